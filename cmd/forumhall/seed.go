package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"forumhall/pkg/config"
	"forumhall/pkg/federation"
	"forumhall/pkg/ofscp"
	"forumhall/pkg/store"
	"forumhall/pkg/types"
)

// seedCmd provisions accounts, groups, channels and memberships directly in
// the store. This is how the first device key of an account gets in: key
// registration over the API requires a signature from an existing key.
// Run it against a stopped server; the on-disk store is single-process.
func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Provision users, groups and channels in the store",
	}
	cmd.AddCommand(seedUserCmd(), seedGroupCmd(), seedChannelCmd(), seedMemberCmd())
	return cmd
}

func withStore(fn func(ctx context.Context, cfg *config.Config, st store.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(verbose)
		defer logger.Sync()

		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.DataDir == "" {
			return fmt.Errorf("seeding requires a data_dir; an in-memory store has nothing to seed")
		}

		bs, err := store.OpenBadger(cfg.DataDir, logger)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer bs.Close()

		return fn(cmd.Context(), cfg, bs)
	}
}

func seedUserCmd() *cobra.Command {
	var (
		handle      string
		displayName string
		publicKey   string
		keyID       string
	)

	cmd := &cobra.Command{
		Use:   "user",
		Short: "Create a local account with its first device key",
		RunE: withStore(func(ctx context.Context, cfg *config.Config, st store.Store) error {
			if handle == "" || publicKey == "" {
				return fmt.Errorf("--handle and --public-key are required")
			}
			if keyID == "" {
				keyID = "dk_" + uuid.NewString()[:8]
			}
			now := time.Now().UTC()
			actor := handle + "@" + cfg.Domain

			err := store.PutJSON(ctx, st, store.CollectionUsers, handle, types.User{
				ID:          types.UserID("u_" + uuid.NewString()),
				Handle:      handle,
				DisplayName: displayName,
				CreatedAt:   now,
			})
			if err != nil {
				return fmt.Errorf("failed to store user: %w", err)
			}

			err = store.PutJSON(ctx, st, store.CollectionDeviceKeys,
				federation.DeviceKeyPath(handle, keyID), types.SigningKey{
					KeyID:     types.KeyID(keyID),
					Actor:     actor,
					PublicKey: publicKey,
					Algorithm: ofscp.AlgorithmEd25519,
					CreatedAt: now,
				})
			if err != nil {
				return fmt.Errorf("failed to store device key: %w", err)
			}

			fmt.Printf("Created %s with key %s\n", actor, keyID)
			return nil
		}),
	}

	cmd.Flags().StringVar(&handle, "handle", "", "account handle (local part)")
	cmd.Flags().StringVar(&displayName, "display-name", "", "display name")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "base64 Ed25519 public key")
	cmd.Flags().StringVar(&keyID, "key-id", "", "key identifier (generated when omitted)")
	return cmd
}

func seedGroupCmd() *cobra.Command {
	var (
		id    string
		name  string
		owner string
	)

	cmd := &cobra.Command{
		Use:   "group",
		Short: "Create a group",
		RunE: withStore(func(ctx context.Context, cfg *config.Config, st store.Store) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if id == "" {
				id = "grp_" + uuid.NewString()[:8]
			}
			err := store.PutJSON(ctx, st, store.CollectionGroups, id, types.Group{
				ID:        types.GroupID(id),
				Name:      name,
				OwnerID:   types.UserID(owner),
				CreatedAt: time.Now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("failed to store group: %w", err)
			}
			fmt.Printf("Created group %s (%s)\n", id, name)
			return nil
		}),
	}

	cmd.Flags().StringVar(&id, "id", "", "group identifier (generated when omitted)")
	cmd.Flags().StringVar(&name, "name", "", "group name")
	cmd.Flags().StringVar(&owner, "owner", "", "owning user id")
	return cmd
}

func seedChannelCmd() *cobra.Command {
	var (
		id      string
		groupID string
		name    string
	)

	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Create a channel in a group",
		RunE: withStore(func(ctx context.Context, cfg *config.Config, st store.Store) error {
			if groupID == "" || name == "" {
				return fmt.Errorf("--group and --name are required")
			}
			if _, err := st.Get(ctx, store.CollectionGroups, groupID); err != nil {
				return fmt.Errorf("group %s: %w", groupID, err)
			}
			if id == "" {
				id = "chan_" + uuid.NewString()[:8]
			}
			err := store.PutJSON(ctx, st, store.CollectionChannels, id, types.Channel{
				ID:        types.ChannelID(id),
				GroupID:   types.GroupID(groupID),
				Name:      name,
				CreatedAt: time.Now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("failed to store channel: %w", err)
			}
			fmt.Printf("Created channel %s (%s) in %s\n", id, name, groupID)
			return nil
		}),
	}

	cmd.Flags().StringVar(&id, "id", "", "channel identifier (generated when omitted)")
	cmd.Flags().StringVar(&groupID, "group", "", "parent group id")
	cmd.Flags().StringVar(&name, "name", "", "channel name")
	return cmd
}

func seedMemberCmd() *cobra.Command {
	var (
		groupID string
		actor   string
	)

	cmd := &cobra.Command{
		Use:   "member",
		Short: "Add an actor to a group",
		RunE: withStore(func(ctx context.Context, cfg *config.Config, st store.Store) error {
			if groupID == "" || actor == "" {
				return fmt.Errorf("--group and --actor are required")
			}
			parsed, err := federation.ParseActor(actor)
			if err != nil {
				return fmt.Errorf("invalid actor: %w", err)
			}
			if _, err := st.Get(ctx, store.CollectionGroups, groupID); err != nil {
				return fmt.Errorf("group %s: %w", groupID, err)
			}
			err = store.PutJSON(ctx, st, store.CollectionGroupMembers,
				groupID+"/"+parsed.String(), types.GroupMember{
					GroupID:  types.GroupID(groupID),
					Actor:    parsed.String(),
					JoinedAt: time.Now().UTC(),
				})
			if err != nil {
				return fmt.Errorf("failed to store membership: %w", err)
			}
			fmt.Printf("Added %s to %s\n", parsed, groupID)
			return nil
		}),
	}

	cmd.Flags().StringVar(&groupID, "group", "", "group id")
	cmd.Flags().StringVar(&actor, "actor", "", "actor address (handle@domain)")
	return cmd
}
