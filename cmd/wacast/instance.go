package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/wacast/internal/instance"
)

var (
	instanceAddName   string
	instanceAddPhone  string
	instanceAddStatus string
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Instance directory commands",
}

var instanceListCmd = &cobra.Command{
	Use:   "list <owner_id>",
	Short: "List the instances of an owner",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceList,
}

var instanceAddCmd = &cobra.Command{
	Use:   "add <owner_id> <instance_id>",
	Short: "Add or update an instance",
	Args:  cobra.ExactArgs(2),
	RunE:  runInstanceAdd,
}

var instanceCredentialCmd = &cobra.Command{
	Use:   "credential <owner_id> <token>",
	Short: "Store the send API token of an owner",
	Args:  cobra.ExactArgs(2),
	RunE:  runInstanceCredential,
}

func init() {
	instanceAddCmd.Flags().StringVar(&instanceAddName, "name", "", "Display name")
	instanceAddCmd.Flags().StringVar(&instanceAddPhone, "phone", "", "Phone number of the account")
	instanceAddCmd.Flags().StringVar(&instanceAddStatus, "status", "connected", "Stored connection status")

	instanceCmd.AddCommand(instanceListCmd, instanceAddCmd, instanceCredentialCmd)
	rootCmd.AddCommand(instanceCmd)
}

func openDirectory(ctx context.Context) (*instance.SQLDirectory, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	dir, err := instance.OpenSQL(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		if err := dir.Migrate(ctx); err != nil {
			dir.Close()
			return nil, err
		}
	}
	return dir, nil
}

func runInstanceList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	dir, err := openDirectory(ctx)
	if err != nil {
		return err
	}
	defer dir.Close()

	list, err := dir.ListByOwner(ctx, args[0])
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No instances")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPHONE\tSTATUS")
	fmt.Fprintln(w, "--\t----\t-----\t------")
	for _, inst := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", inst.ID, inst.Name, inst.Phone, inst.Status)
	}
	w.Flush()
	return nil
}

func runInstanceAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	dir, err := openDirectory(ctx)
	if err != nil {
		return err
	}
	defer dir.Close()

	inst := instance.Instance{
		ID:      args[1],
		OwnerID: args[0],
		Name:    instanceAddName,
		Phone:   instanceAddPhone,
		Status:  instanceAddStatus,
	}
	if err := dir.Upsert(ctx, inst); err != nil {
		return err
	}
	fmt.Printf("Instance %s saved for owner %s\n", inst.ID, inst.OwnerID)
	return nil
}

func runInstanceCredential(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	dir, err := openDirectory(ctx)
	if err != nil {
		return err
	}
	defer dir.Close()

	if err := dir.SetCredential(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Credential stored for owner %s\n", args[0])
	return nil
}
