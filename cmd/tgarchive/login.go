package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
)

func prompt(label string) string {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

const maxLoginChecks = 3

// login asks the relay to authorize its session. Credentials are entered on
// the relay side, so the terminal only waits for the user to finish there.
func (t *tgArchive) login(c *cli.Context) error {
	ctx := t.ctx(c)
	a, err := t.openArchive(c)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(os.Stderr, "[*] Logging in through %s\n", t.cfg.Relay.URL)
	for i := 0; i < maxLoginChecks; i++ {
		authorized, err := a.Login(ctx)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if authorized {
			n, err := a.SyncDialogs(ctx)
			if err != nil {
				return fmt.Errorf("logged in, but failed to sync dialogs: %w", err)
			}
			fmt.Fprintf(os.Stderr, "[+] Logged in, found %d dialogs\n", n)
			return nil
		}
		fmt.Fprintln(os.Stderr, "\nThe relay is waiting for the login to be completed on its side.")
		if answer := prompt("Press Enter when done, or type q to give up"); strings.EqualFold(answer, "q") {
			break
		}
	}
	return errors.New("session is still not authorized")
}
