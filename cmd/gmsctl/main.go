package main

import (
    "log"

    "github.com/spf13/cobra"

    gmscli "github.com/amirimatin/go-gms/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "gmsctl",
        Short:         "go-gms group membership CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    // Attach all gms commands from pkg/cli for reuse in services
    gmscli.AddAll(root)
    return root
}
