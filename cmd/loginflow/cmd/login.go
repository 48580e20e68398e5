package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/spf13/cobra"

	"github.com/mochi-id/loginflow/credstore"
	"github.com/mochi-id/loginflow/flow"
	"github.com/mochi-id/loginflow/protocol"
)

var (
	loginEmail   string
	loginCode    string
	totpSecret   string
	recoveryCode string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the session locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, sess, store, err := newFlow()
		if err != nil {
			return err
		}
		defer store.Close()

		snap := f.Initialize()
		if snap.Authenticated {
			fmt.Printf("Already logged in as %s. Run 'loginflow logout' first.\n", snap.User.Email)
			return nil
		}

		in := bufio.NewReader(os.Stdin)
		email := loginEmail
		if email == "" {
			if email = snap.User.Email; email != "" {
				fmt.Printf("Email [%s]: ", email)
			} else {
				fmt.Print("Email: ")
			}
			line, err := in.ReadString('\n')
			if err != nil {
				return err
			}
			if line = strings.TrimSpace(line); line != "" {
				email = line
			}
		}
		if email == "" {
			return errors.New("an email address is required")
		}

		begin, err := f.Begin(cmd.Context(), email)
		if err != nil {
			return fmt.Errorf("starting login: %w", err)
		}
		if begin.New {
			fmt.Println("No account yet; completing login will create one.")
		}

		state, err := submitFirstFactor(cmd, f, in, begin.Methods)
		if err != nil {
			return err
		}
		for state == flow.StateAwaitingAdditionalFactor {
			state, err = submitNextFactor(cmd, f, in)
			if err != nil {
				return err
			}
		}
		if state != flow.StateAuthenticated {
			return errors.New("login did not complete")
		}

		final := sess.Snapshot()
		fmt.Printf("Logged in as %s.\n", final.User.Email)
		if !final.HasIdentity {
			if err := completeIdentity(cmd, f, in); err != nil {
				return err
			}
		}
		return nil
	},
}

// submitFirstFactor picks the strongest factor the account offers that this
// run can satisfy.
func submitFirstFactor(cmd *cobra.Command, f *flow.Flow, in *bufio.Reader, methods []protocol.Method) (flow.State, error) {
	switch {
	case recoveryCode != "":
		return f.SubmitRecoveryCode(cmd.Context(), recoveryCode)
	case totpSecret != "" && hasMethod(methods, protocol.MethodTOTP):
		code, err := totp.GenerateCode(totpSecret, time.Now())
		if err != nil {
			return flow.StateFailed, fmt.Errorf("generating authenticator code: %w", err)
		}
		return f.SubmitTOTP(cmd.Context(), code)
	default:
		return submitEmailFactor(cmd, f, in)
	}
}

func submitEmailFactor(cmd *cobra.Command, f *flow.Flow, in *bufio.Reader) (flow.State, error) {
	result, err := f.RequestEmailCode(cmd.Context())
	if err != nil {
		return flow.StateFailed, fmt.Errorf("requesting code: %w", err)
	}
	if result.DevCode != "" {
		fmt.Printf("Development server echoed the code: %s\n", result.DevCode)
	} else {
		fmt.Println("A code was sent to your email address.")
	}
	code := loginCode
	if code == "" {
		code, err = prompt(in, "Email code: ")
		if err != nil {
			return flow.StateFailed, err
		}
	}
	return f.SubmitEmailCode(cmd.Context(), code)
}

// submitNextFactor satisfies one outstanding MFA method, preferring the
// non-interactive paths when their inputs were provided as flags.
func submitNextFactor(cmd *cobra.Command, f *flow.Flow, in *bufio.Reader) (flow.State, error) {
	snap := f.Initialize()
	remaining := snap.MFA.Remaining
	if len(remaining) == 0 {
		return flow.StateFailed, errors.New("server wants more factors but declared none")
	}

	if totpSecret != "" && hasMethod(remaining, protocol.MethodTOTP) {
		code, err := totp.GenerateCode(totpSecret, time.Now())
		if err != nil {
			return flow.StateFailed, fmt.Errorf("generating authenticator code: %w", err)
		}
		return f.SubmitTOTP(cmd.Context(), code)
	}

	fmt.Println("Additional verification required:")
	for i, m := range remaining {
		fmt.Printf("  %d. %s — %s\n", i+1, m.Label(), m.Description())
	}
	method := remaining[0]
	if len(remaining) > 1 {
		choice, err := prompt(in, fmt.Sprintf("Method [1-%d]: ", len(remaining)))
		if err != nil {
			return flow.StateFailed, err
		}
		var n int
		if _, err := fmt.Sscanf(choice, "%d", &n); err == nil && n >= 1 && n <= len(remaining) {
			method = remaining[n-1]
		}
	}

	switch method {
	case protocol.MethodEmail:
		return submitEmailFactor(cmd, f, in)
	case protocol.MethodTOTP:
		code, err := prompt(in, "Authenticator code: ")
		if err != nil {
			return flow.StateFailed, err
		}
		return f.SubmitTOTP(cmd.Context(), code)
	case protocol.MethodRecovery:
		code, err := prompt(in, "Recovery code: ")
		if err != nil {
			return flow.StateFailed, err
		}
		return f.SubmitRecoveryCode(cmd.Context(), code)
	default:
		return flow.StateFailed, fmt.Errorf("method %s is not supported by this CLI", method)
	}
}

// completeIdentity runs the mandatory post-login identity step.
func completeIdentity(cmd *cobra.Command, f *flow.Flow, in *bufio.Reader) error {
	fmt.Println("Identity setup is required before using the app.")
	name, err := prompt(in, "Display name: ")
	if err != nil {
		return err
	}
	answer, err := prompt(in, "Make profile public? [y/N]: ")
	if err != nil {
		return err
	}
	privacy := credstore.PrivacyPrivate
	if strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes") {
		privacy = credstore.PrivacyPublic
	}
	if err := f.SubmitIdentity(cmd.Context(), name, privacy); err != nil {
		return fmt.Errorf("submitting identity: %w", err)
	}
	fmt.Println("Identity saved.")
	return nil
}

func prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func hasMethod(methods []protocol.Method, want protocol.Method) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "email address to log in with")
	loginCmd.Flags().StringVar(&loginCode, "code", "", "email one-time code (skip the prompt)")
	loginCmd.Flags().StringVar(&totpSecret, "totp-secret", "", "base32 TOTP secret for generating authenticator codes")
	loginCmd.Flags().StringVar(&recoveryCode, "recovery-code", "", "single-use recovery code")
	rootCmd.AddCommand(loginCmd)
}
