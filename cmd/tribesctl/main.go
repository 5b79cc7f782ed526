package main

import (
    "log"

    "github.com/spf13/cobra"

    tribescli "github.com/amirimatin/go-tribes/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "tribesctl",
        Short:         "go-tribes group channel CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    tribescli.AddAll(root)
    return root
}
