package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fentz26/jetdeploy/internal/controlplane"
	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/fentz26/jetdeploy/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage remote sessions",
}

var sessionConnectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open a session to a remote host",
	RunE:  runSessionConnect,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open sessions",
	RunE:  runSessionList,
}

var sessionSudoCmd = &cobra.Command{
	Use:   "sudo [session-id]",
	Short: "Store the sudo password of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionSudo,
}

var sessionJobsCmd = &cobra.Command{
	Use:   "jobs [session-id]",
	Short: "List the live deploys and runs of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionJobs,
}

var sessionDisconnectCmd = &cobra.Command{
	Use:   "disconnect [session-id]",
	Short: "Stop every job of a session and close it",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionDisconnect,
}

var (
	connectHost     string
	connectPort     int
	connectUser     string
	connectKey      string
	connectAskPass  bool
	connectPassFile bool
	connectSudo     bool
)

func init() {
	sessionCmd.AddCommand(sessionConnectCmd, sessionListCmd, sessionSudoCmd, sessionJobsCmd, sessionDisconnectCmd)

	sessionConnectCmd.Flags().StringVar(&connectHost, "host", "", "Remote host, or \"local\" for this machine (required)")
	sessionConnectCmd.Flags().IntVar(&connectPort, "port", 22, "SSH port")
	sessionConnectCmd.Flags().StringVar(&connectUser, "user", os.Getenv("USER"), "SSH user")
	sessionConnectCmd.Flags().StringVar(&connectKey, "key", "", "Private key file")
	sessionConnectCmd.Flags().BoolVar(&connectAskPass, "ask-pass", false, "Prompt for the SSH password")
	sessionConnectCmd.Flags().BoolVar(&connectPassFile, "password-stdin", false, "Read the SSH password from stdin")
	sessionConnectCmd.Flags().BoolVar(&connectSudo, "sudo", false, "Also prompt for the sudo password")
	sessionConnectCmd.MarkFlagRequired("host")
}

// readSecret prompts on the terminal without echo, or reads one line from a pipe.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runSessionConnect(cmd *cobra.Command, args []string) error {
	p := session.ConnectParams{
		Host:           connectHost,
		Port:           connectPort,
		Username:       connectUser,
		PrivateKeyPath: connectKey,
	}
	if connectAskPass || connectPassFile {
		pw, err := readSecret("SSH password: ")
		if err != nil {
			return err
		}
		p.Password = pw
	}
	if connectSudo {
		pw, err := readSecret("sudo password: ")
		if err != nil {
			return err
		}
		p.ElevatedPassword = pw
	}

	var info models.SessionInfo
	if err := apiPost("/api/sessions", p, &info); err != nil {
		return err
	}
	fmt.Printf("Connected: %s (%s@%s, %s)\n", info.ID, info.Username, info.Host, info.Mode)
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	var list []models.SessionInfo
	if err := apiGet("/api/sessions", &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No sessions. Use: jetdeploy session connect --host <host>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOST\tUSER\tMODE\tSUDO\tLAST ACTIVE")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n",
			s.ID, s.Host, s.Username, s.Mode, s.Elevated, humanize.Time(s.LastActivity))
	}
	return w.Flush()
}

func runSessionSudo(cmd *cobra.Command, args []string) error {
	pw, err := readSecret("sudo password: ")
	if err != nil {
		return err
	}
	if err := apiPost("/api/sessions/"+args[0]+"/sudo", map[string]string{"password": pw}, nil); err != nil {
		return err
	}
	fmt.Println("Sudo password stored for this session.")
	return nil
}

func runSessionJobs(cmd *cobra.Command, args []string) error {
	var jobs controlplane.JobsResponse
	if err := apiGet("/api/sessions/"+args[0]+"/jobs", &jobs); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tWORKLOAD\tSTATE\tSTARTED\tDETAIL")
	for _, d := range jobs.Deploys {
		fmt.Fprintf(w, "deploy\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.WorkloadID, d.State, humanize.Time(d.StartedAt), d.Error)
	}
	for _, r := range jobs.Runs {
		detail := r.Error
		if detail == "" && r.LocalPort != 0 {
			detail = fmt.Sprintf("local :%d -> remote :%d", r.LocalPort, r.RemotePort)
		}
		fmt.Fprintf(w, "run\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.WorkloadID, r.State, humanize.Time(r.StartedAt), detail)
	}
	return w.Flush()
}

func runSessionDisconnect(cmd *cobra.Command, args []string) error {
	if err := apiDelete("/api/sessions/" + args[0]); err != nil {
		return err
	}
	fmt.Println("Session closed.")
	return nil
}
