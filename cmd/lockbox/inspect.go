package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/pixperk/lockbox/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// printable view of a record
type recordView struct {
	Application    string    `yaml:"application"`
	SessionID      string    `yaml:"session_id"`
	Created        time.Time `yaml:"created"`
	Expires        time.Time `yaml:"expires"`
	Expired        bool      `yaml:"expired"`
	Locked         bool      `yaml:"locked"`
	LockDate       time.Time `yaml:"lock_date"`
	LockToken      uint64    `yaml:"lock_token"`
	TimeoutMinutes int       `yaml:"timeout_minutes"`
	Placeholder    bool      `yaml:"placeholder"`
	PayloadBytes   int       `yaml:"payload_bytes"`
	Payload        []byte    `yaml:"payload,omitempty"`
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Print the stored record for a session without locking it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer e.close()

		key := e.provider.Key(args[0])
		if err := key.Validate(); err != nil {
			return err
		}

		rec, err := e.backend.Store.Get(cmd.Context(), key)
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("no record for %q in application %q", key.SessionID, key.Application)
		}
		if err != nil {
			return err
		}

		view := recordView{
			Application:    rec.Key.Application,
			SessionID:      rec.Key.SessionID,
			Created:        rec.Created,
			Expires:        rec.Expires,
			Expired:        rec.IsExpired(time.Now()),
			Locked:         rec.Locked,
			LockDate:       rec.LockDate,
			LockToken:      rec.LockToken,
			TimeoutMinutes: rec.TimeoutMinutes,
			Placeholder:    rec.ActionFlags == types.ActionInitialize,
			PayloadBytes:   len(rec.Payload),
		}
		if withPayload, _ := cmd.Flags().GetBool("payload"); withPayload {
			view.Payload = rec.Payload
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		enc.SetIndent(2)
		return enc.Encode(view)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().Bool("payload", false, "Include the raw payload")
}
