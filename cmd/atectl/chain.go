package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	core "ate/core"
)

//---------------------------------------------------------------------
// Middleware – shared chain-opening logic for every ~chain command
//---------------------------------------------------------------------

func openChainFromFlags() (*core.Chain, error) {
	format, err := parseWireFormat(viper.GetString("format"))
	if err != nil {
		return nil, err
	}
	return core.OpenChain(viper.GetString("data"), core.ChainOptions{
		Format: format,
		Sync:   core.SyncBatched,
	})
}

func parseWireFormat(s string) (core.WireFormat, error) {
	switch s {
	case "json":
		return core.WireJSON, nil
	case "msgpack", "":
		return core.WireMessagePack, nil
	case "rlp":
		return core.WireRLP, nil
	default:
		return 0, fmt.Errorf("unknown wire format %q", s)
	}
}

//---------------------------------------------------------------------
// Route declarations
//---------------------------------------------------------------------

func chainCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chain", Short: "inspect and maintain a chain's redo-log"}
	cmd.AddCommand(chainStatsCmd())
	cmd.AddCommand(chainFlipCmd())
	return cmd
}

func chainStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print event and primary-key counts for a chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := openChainFromFlags()
			if err != nil {
				return err
			}
			defer chain.Close()
			fmt.Printf("events=%d primary_keys=%d\n", chain.EventCount(), chain.PrimaryKeyCount())
			return nil
		},
	}
}

func chainFlipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flip",
		Short: "compact the redo-log with the latest-per-key, tombstone and public-key retention compactors",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := openChainFromFlags()
			if err != nil {
				return err
			}
			defer chain.Close()
			compactors := core.CompactorChain{Compactors: []core.Compactor{
				core.LatestPerKeyCompactor{},
				core.TombstoneTerminatesCompactor{},
				core.PublicKeyRetentionCompactor{},
			}}
			if err := chain.Flip(compactors); err != nil {
				return err
			}
			log.Info("flip complete")
			return nil
		},
	}
}
