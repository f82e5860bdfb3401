package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"jio"
)

var journalDir string

func main() {
	root := &cobra.Command{
		Use:           "jiofsck",
		Short:         "Check and repair journaled data files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&journalDir, "journal", "j", "",
		"journal directory (default: derived from the data file path)")

	check := &cobra.Command{
		Use:   "check <file>",
		Short: "Replay transactions that survived a crash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := jio.Fsck(args[0], journalDir)
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	}

	clean := &cobra.Command{
		Use:   "clean <file>",
		Short: "Replay surviving transactions, then remove the journal directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := jio.Fsck(args[0], journalDir)
			if err != nil {
				return err
			}
			printResult(res)

			if err := jio.FsckCleanup(args[0], journalDir); err != nil {
				return err
			}
			fmt.Println("journal directory removed")
			return nil
		},
	}

	root.AddCommand(check, clean)

	if err := root.Execute(); err != nil {
		log.Fatalf("jiofsck: %v", err)
	}
}

func printResult(res *jio.Result) {
	fmt.Printf("total:       %d\n", res.Total)
	fmt.Printf("reapplied:   %d\n", res.Reapplied)
	fmt.Printf("invalid:     %d\n", res.Invalid)
	fmt.Printf("in progress: %d\n", res.InProgress)
	fmt.Printf("broken:      %d\n", res.Broken)
	fmt.Printf("corrupt:     %d\n", res.Corrupt)
	fmt.Printf("apply error: %d\n", res.ApplyError)
}
