package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/device-test-orchestrator/internal/lease"
)

var leaseDeviceTypes []string

func init() {
	leaseCmd := &cobra.Command{
		Use:   "lease",
		Short: "Reserve devices and hold them until interrupted",
		RunE:  runLease,
	}
	leaseCmd.Flags().StringSliceVar(&leaseDeviceTypes, "type", nil, "device type to reserve, repeatable (default from config)")
	rootCmd.AddCommand(leaseCmd)
}

func runLease(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	if len(leaseDeviceTypes) > 0 {
		cfg.Lease.DeviceTypes = leaseDeviceTypes
	}

	client, err := leaseClient(cfg.Lease, log)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	holder, err := lease.Reserve(ctx, client, leaseOptions(cfg.Lease, log, nil))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		holder.Close(closeCtx)
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Reservation %s\n", holder.Guid())
	for _, d := range holder.Devices() {
		fmt.Fprintf(out, "  %-20s %-8s %-15s %s\n", d.Name, d.Type, d.IPOrHostName, d.PerfSpec)
	}
	fmt.Fprintln(out, "Holding the lease, press Ctrl+C to release")

	select {
	case <-ctx.Done():
		return nil
	case <-holder.Done():
		return holder.Err()
	}
}
