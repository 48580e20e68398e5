package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pquerna/otp/totp"
	"github.com/spf13/cobra"

	"github.com/mochi-id/loginflow/idptest"
	"github.com/mochi-id/loginflow/protocol"
)

var (
	servePort     int
	serveUsers    []string
	serveFixed    string
	serveLegacy   bool
	serveNoSignup bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a development identity provider",
	Long: `Runs the in-process test identity provider on plain HTTP. Email codes are
echoed in responses instead of being delivered, so the login command can be
exercised end to end with no mail transport. Development only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := []idptest.Option{}
		if serveFixed != "" {
			opts = append(opts, idptest.WithFixedCode(serveFixed))
		}
		if serveLegacy {
			opts = append(opts, idptest.WithLegacyFields())
		}
		if serveNoSignup {
			opts = append(opts, idptest.WithSignupDisabled())
		}
		idp := idptest.New(opts...)

		for _, spec := range serveUsers {
			user, secret, err := parseUserSpec(spec)
			if err != nil {
				return err
			}
			idp.AddUser(user)
			if secret != "" {
				fmt.Printf("User %s TOTP secret: %s\n", user.Email, secret)
			}
		}

		r := chi.NewRouter()
		r.Use(chimiddleware.Logger)
		r.Use(chimiddleware.Recoverer)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/", idp.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", servePort),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		fmt.Printf("Identity provider listening on :%d (docs at /docs)\n", servePort)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		case err := <-done:
			return err
		}
	},
}

// parseUserSpec turns "email[:method,...]" into an account. Accounts with a
// totp method get a freshly generated shared secret, returned for display.
func parseUserSpec(spec string) (idptest.User, string, error) {
	email, methodList, found := strings.Cut(spec, ":")
	if email == "" {
		return idptest.User{}, "", fmt.Errorf("invalid user spec %q", spec)
	}
	u := idptest.User{Email: email}
	if !found {
		return u, "", nil
	}

	var secret string
	for _, name := range strings.Split(methodList, ",") {
		m := protocol.Method(strings.TrimSpace(name))
		if !m.Valid() {
			return idptest.User{}, "", fmt.Errorf("unknown method %q in user spec %q", name, spec)
		}
		u.Methods = append(u.Methods, m)
		if m == protocol.MethodTOTP {
			key, err := totp.Generate(totp.GenerateOpts{Issuer: "loginflow-dev", AccountName: email})
			if err != nil {
				return idptest.User{}, "", fmt.Errorf("generating TOTP secret: %w", err)
			}
			secret = key.Secret()
			u.TOTPSecret = secret
		}
	}
	return u, secret, nil
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8422, "port to listen on")
	serveCmd.Flags().StringArrayVar(&serveUsers, "user", nil, "seed account, email[:method,...] (repeatable)")
	serveCmd.Flags().StringVar(&serveFixed, "fixed-code", "", "issue this email code instead of random ones")
	serveCmd.Flags().BoolVar(&serveLegacy, "legacy-fields", false, "respond with legacy field spellings")
	serveCmd.Flags().BoolVar(&serveNoSignup, "signup-disabled", false, "refuse unknown accounts")
	rootCmd.AddCommand(serveCmd)
}
