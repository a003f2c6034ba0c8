package main

import (
    "log"

    "github.com/spf13/cobra"

    rpcpoolcli "github.com/amirimatin/go-rpcpool/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "rpcpoolctl",
        Short:         "go-rpcpool node and discovery CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    rpcpoolcli.AddAll(root)
    return root
}
