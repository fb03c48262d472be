package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCmd reports daemon health.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClient()
			var out map[string]any
			if err := c.Get("/v1/status", &out); err != nil {
				Error(fmt.Sprintf("daemon not reachable at %s", GetAPIEndpoint()))
				return err
			}
			if OutputFormat == "json" {
				printJSON(out)
				return nil
			}
			fmt.Println(Logo() + " " + StatusBadge(str(out["status"])))
			fmt.Println(RenderKV([][2]string{
				{"Endpoint", GetAPIEndpoint()},
				{"Clock", str(out["time"])},
				{"Challenge bonds", str(out["challenge_bonds"]) + " wei"},
				{"WS clients", fmt.Sprint(out["ws_clients"])},
			}))
			return nil
		},
	}
}
