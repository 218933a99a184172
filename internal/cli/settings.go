package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"camera-capture-go/internal/camera"
)

// ErrSettingNotFound is returned by "settings get" for a missing key.
var ErrSettingNotFound = errors.New("setting not found")

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect and edit stored camera settings",
	Long: `Read and write the settings store selected by settings.backend.

The camera reads ` + camera.PreferredVideoSizesKey + ` to pick a recorder
profile, for example:

  camera settings set ` + camera.PreferredVideoSizesKey + ` 720p vga`,
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every stored setting (sqlite backend)",
	Args:  cobra.NoArgs,
	RunE:  runSettingsList,
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the values stored under key, one per line",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> [value...]",
	Short: "Store a list of values under key",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSettingsSet,
}

var settingsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove key",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsDelete,
}

func init() {
	settingsCmd.AddCommand(settingsListCmd, settingsGetCmd, settingsSetCmd, settingsDeleteCmd)
	rootCmd.AddCommand(settingsCmd)
}

type keyLister interface {
	Keys(ctx context.Context) ([]string, error)
}

func runSettingsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openSettings(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	lister, ok := store.(keyLister)
	if !ok {
		return fmt.Errorf("the %s backend cannot list keys", cfg.Settings.Backend)
	}
	keys, err := lister.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		printer.Info("no settings stored")
		return nil
	}

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		values, _, err := store.Get(ctx, k)
		if err != nil {
			return err
		}
		rows = append(rows, []string{k, strings.Join(values, " ")})
	}
	return printer.Table([]string{"Key", "Values"}, rows)
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openSettings(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	values, ok, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSettingNotFound, args[0])
	}
	out := cmd.OutOrStdout()
	for _, v := range values {
		fmt.Fprintln(out, v)
	}
	return nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openSettings(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Set(ctx, args[0], args[1:]); err != nil {
		return err
	}
	printer.Success("%s = %s", args[0], strings.Join(args[1:], " "))
	return nil
}

func runSettingsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openSettings(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(ctx, args[0]); err != nil {
		return err
	}
	printer.Success("deleted %s", args[0])
	return nil
}
