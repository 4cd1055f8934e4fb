package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	core "ate/core"
)

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "service", Short: "invoke a service hook over the chain's event stream"}
	cmd.AddCommand(serviceInvokeCmd())
	return cmd
}

func serviceInvokeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "invoke [type] [payload]",
		Short: "commit a request event and wait for its reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseWireFormat(viper.GetString("format"))
			if err != nil {
				return err
			}
			chain, err := openChainFromFlags()
			if err != nil {
				return err
			}
			defer chain.Close()

			identity, err := loadOrCreateIdentity(viper.GetString("data"))
			if err != nil {
				return err
			}

			dio, err := core.NewDio(chain, core.DioOptions{})
			if err != nil {
				return err
			}
			bus := core.NewServiceBus(chain, dio, format, nil, identity)
			defer bus.Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			reply, err := bus.Invoke(ctx, args[0], []byte(args[1]), core.ScopeLocal)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", reply.Data)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for a reply")
	return cmd
}
