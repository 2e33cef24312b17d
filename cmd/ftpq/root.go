package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ftpq",
	Short: "A multi-connection FTP transfer tool",
	Long: `ftpq runs bulk FTP operations (download, upload, delete, change
permissions) over several concurrent connections, with per-file retry,
reconnection and a live progress display.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("host", "H", "", "FTP server host (required)")
	pf.IntP("port", "P", 21, "FTP server port")
	pf.StringP("user", "u", "anonymous", "login user")
	pf.String("password", "", "login password (prompted when omitted)")
	pf.IntP("workers", "w", 2, "number of concurrent connections")
	pf.Duration("timeout", 0, "control connection timeout (0 = default)")
	pf.String("log-level", "warn", "log level (trace, debug, info, warn, error)")
	pf.StringArray("proxy", nil, "proxy hop, socks5://[user:pass@]host:port or http://[user:pass@]host:port; repeat for a chain")
	pf.StringArray("include", nil, "only process names matching this glob; repeatable")
	pf.StringArray("exclude", nil, "skip names matching this glob; repeatable")
	pf.Bool("ascii", false, "transfer files in ASCII mode")
	pf.Bool("disable-epsv", false, "do not use extended passive mode")
	pf.StringArray("init-command", nil, "raw FTP command sent after login; repeatable")
	pf.String("on-exists", "ask", "target exists policy: ask, skip, overwrite, resume")
	pf.Bool("skip-errors", false, "skip files that fail instead of stopping on them")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newPutCommand())
	rootCmd.AddCommand(newRmCommand())
	rootCmd.AddCommand(newChmodCommand())
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  `Print the version number of ftpq`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ftpq version %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func newGetCommand() *cobra.Command {
	var (
		target string
		move   bool
	)
	cmd := &cobra.Command{
		Use:   "get remote-dir [name...]",
		Short: "Download files and directories",
		Long: `Download the named entries of a remote directory, or the whole
directory when no names are given. Directories are transferred
recursively.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := opCopyDownload
			if move {
				typ = opMoveDownload
			}
			return runRemoteOperation(cmd, typ, args[0], args[1:], target)
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", ".", "local target directory")
	cmd.Flags().BoolVar(&move, "move", false, "delete remote sources after a successful download")
	return cmd
}

func newPutCommand() *cobra.Command {
	var (
		target string
		move   bool
	)
	cmd := &cobra.Command{
		Use:   "put local-dir [name...]",
		Short: "Upload files and directories",
		Long: `Upload the named entries of a local directory, or the whole
directory when no names are given. Directories are transferred
recursively.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := opCopyUpload
			if move {
				typ = opMoveUpload
			}
			return runUploadOperation(cmd, typ, args[0], args[1:], target)
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "/", "remote target directory")
	cmd.Flags().BoolVar(&move, "move", false, "delete local sources after a successful upload")
	return cmd
}

func newRmCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm remote-dir [name...]",
		Short: "Delete remote files and directories",
		Long: `Delete the named entries of a remote directory, or its whole
content when no names are given. Directories are removed bottom-up.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemoteOperation(cmd, opDelete, args[0], args[1:], "")
		},
	}
	return cmd
}

func newChmodCommand() *cobra.Command {
	var recurse bool
	cmd := &cobra.Command{
		Use:   "chmod mode remote-dir [name...]",
		Short: "Change permissions on remote files",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(args[0])
			if err != nil {
				return err
			}
			return runChmodOperation(cmd, args[1], args[2:], mode, recurse)
		},
	}
	cmd.Flags().BoolVarP(&recurse, "recursive", "R", false, "descend into directories")
	return cmd
}
