package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	core "ate/core"
)

func kvCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "kv", Short: "read and write raw objects by primary key"}
	cmd.AddCommand(kvGetCmd())
	cmd.AddCommand(kvPutCmd())
	cmd.AddCommand(kvDeleteCmd())
	return cmd
}

func parsePrimaryKeyArg(s string) (core.PrimaryKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return core.PrimaryKey{}, fmt.Errorf("primary key must be 32 hex chars: %q", s)
	}
	var k core.PrimaryKey
	copy(k[:], b)
	return k, nil
}

func kvGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [key]",
		Short: "load the current value for a primary key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parsePrimaryKeyArg(args[0])
			if err != nil {
				return err
			}
			chain, err := openChainFromFlags()
			if err != nil {
				return err
			}
			defer chain.Close()

			readKey, _ := cmd.Flags().GetString("read-key")
			dio, err := core.NewDio(chain, core.DioOptions{ReadKey: []byte(readKey)})
			if err != nil {
				return err
			}
			evt, err := dio.Load(key)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", evt.Data)
			return nil
		},
	}
	cmd.Flags().String("read-key", "", "shared secret for reading back a ReadSpecific value")
	return cmd
}

func kvPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put [key] [value]",
		Short: "store value under a new event for a primary key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parsePrimaryKeyArg(args[0])
			if err != nil {
				return err
			}
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

			readKey, _ := cmd.Flags().GetString("read-key")
			dio, err := core.NewDio(chain, core.DioOptions{ReadKey: []byte(readKey)})
			if err != nil {
				return err
			}
			mut := core.NewDioMut(dio, nil, format)
			mut.SetSigner(identity)

			read := core.ReadPolicy{Kind: core.ReadEveryone}
			if readKey != "" {
				mut.SetWriteKey([]byte(readKey))
				_, keyHash := core.DeriveReadKey([]byte(readKey), key)
				read = core.ReadPolicy{Kind: core.ReadSpecific, KeyHash: keyHash}
			}
			header := core.NewHeader(key)
			header.Authorization = core.Authorization{
				Read:  read,
				Write: core.WritePolicy{Kind: core.WriteSpecific, SignKeyHash: identity.Hash()},
			}
			if err := mut.Store(header, []byte(args[1])); err != nil {
				return err
			}
			events, err := mut.Commit(core.ScopeLocal)
			if err != nil {
				return err
			}
			fmt.Printf("committed %d event(s)\n", len(events))
			return nil
		},
	}
	cmd.Flags().String("read-key", "", "shared secret enabling ReadSpecific confidentiality for this value")
	return cmd
}

func kvDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [key]",
		Short: "tombstone a primary key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parsePrimaryKeyArg(args[0])
			if err != nil {
				return err
			}
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
			mut := core.NewDioMut(dio, nil, format)
			mut.SetSigner(identity)
			if err := mut.Delete(key); err != nil {
				return err
			}
			if _, err := mut.Commit(core.ScopeLocal); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}
}
