package cli

import (
	"github.com/spf13/cobra"

	"github.com/brunopadz/pgwire/client"
	"github.com/brunopadz/pgwire/util/log"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect, authenticate and report the server parameters",
	Run:   runPing,
}

var cancelPid int32
var cancelSecret int32

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Send a CancelRequest for a running backend",
	Run:   runCancel,
}

func init() {
	cancelCmd.Flags().Int32Var(&cancelPid, "pid", 0, "backend process id")
	cancelCmd.Flags().Int32Var(&cancelSecret, "secret", 0, "backend secret key")
}

func runPing(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Error reading config: %v", err)
		return
	}

	c, err := client.Dial(cfg)
	if err != nil {
		log.Fatalf("Error connecting: %v", err)
		return
	}
	defer c.Close()

	if err := c.Connect(); err != nil {
		log.Fatalf("Error authenticating: %v", err)
		return
	}

	for _, name := range []string{"server_version", "server_encoding", "TimeZone"} {
		if value, ok := c.Machine().ServerParameter(name); ok {
			log.Infof("%s = %s", name, value)
		}
	}
	if keyData, ok := c.Machine().BackendKeyData(); ok {
		log.Infof("backend pid %d", keyData.ProcessID)
	}
	log.Info("Server is ready for queries")
}

func runCancel(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Error reading config: %v", err)
		return
	}

	if cancelPid == 0 {
		log.Fatal("cancel requires --pid and --secret")
		return
	}

	if err := client.SendCancel(cfg, cancelPid, cancelSecret); err != nil {
		log.Fatalf("Error sending cancel request: %v", err)
		return
	}
	log.Info("Cancel request sent")
}
