package main

import (
	"fmt"

	"github.com/emberstore/ember/engine"
	"github.com/spf13/cobra"
)

func openStore() (*engine.Engine, error) {
	return engine.Open(dbPath, engine.DefaultConfig())
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "fetch a document by key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openStore()
		if err != nil {
			return err
		}
		defer e.Close()

		doc, err := e.Get([]byte(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("meta: %s\nbody: %s\n", doc.Meta, doc.Body)
		return nil
	},
}

var metaFlag string

var setCmd = &cobra.Command{
	Use:   "set <key> <body>",
	Short: "write a document for key and commit it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openStore()
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Set([]byte(args[0]), []byte(metaFlag), []byte(args[1])); err != nil {
			return err
		}
		return e.Commit()
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "delete key and commit the deletion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openStore()
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Remove([]byte(args[0])); err != nil {
			return err
		}
		return e.Commit()
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "flush pending writes and persist a new superblock generation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openStore()
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Commit()
	},
}

var compactDest string

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "rewrite the store into a fresh file, dropping dead space",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openStore()
		if err != nil {
			return err
		}
		defer e.Close()
		if compactDest != "" {
			return e.CompactTo(compactDest)
		}
		return e.Compact()
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "print every key in ascending order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openStore()
		if err != nil {
			return err
		}
		defer e.Close()

		return e.Walk(func(key []byte) error {
			fmt.Printf("%s\n", key)
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "print document count, data size and I/O counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openStore()
		if err != nil {
			return err
		}
		defer e.Close()

		s := e.Stats()
		fmt.Printf("generation:    %d\n", s.Generation)
		fmt.Printf("documents:     %d\n", s.NDocs)
		fmt.Printf("data size:     %d bytes\n", s.DataSize)
		fmt.Printf("file size:     %d bytes\n", s.FileSize)
		fmt.Printf("block reads:   %d\n", s.BlockReads)
		fmt.Printf("block writes:  %d\n", s.BlockWrites)
		fmt.Printf("cache hits:    %d\n", s.CacheHits)
		fmt.Printf("wal size:      %d/%d\n", s.WALSize, s.WALThreshold)
		return nil
	},
}

func init() {
	setCmd.Flags().StringVar(&metaFlag, "meta", "", "metadata to store alongside the body")
	compactCmd.Flags().StringVar(&compactDest, "to", "", "compact into a new file instead of in place")
}
