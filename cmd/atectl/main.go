// cmd/atectl/main.go – Cobra CLI glue for the ate core package.
// -------------------------------------------------------------
// The file follows a layered structure:
//   • Middleware   – dependency wiring & guard rails
//   • Route files  – one file per concern (chain.go, kv.go, mesh.go, service.go)
//   • main()       – wires them onto the root command
// -------------------------------------------------------------

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logrus.WithField("component", "atectl")

func main() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("ATE")
	viper.AutomaticEnv()

	root := &cobra.Command{
		Use:   "atectl",
		Short: "ate: a distributed, cryptographically-authenticated object store",
	}
	root.PersistentFlags().String("data", "./ate.log", "path to this chain's redo-log file")
	root.PersistentFlags().String("format", "msgpack", "wire format: json|msgpack|rlp")
	_ = viper.BindPFlag("data", root.PersistentFlags().Lookup("data"))
	_ = viper.BindPFlag("format", root.PersistentFlags().Lookup("format"))

	root.AddCommand(chainCmd())
	root.AddCommand(kvCmd())
	root.AddCommand(meshCmd())
	root.AddCommand(serviceCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
