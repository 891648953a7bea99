package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lk2023060901/chat-relay-go/internal/storage"
)

// fixtures 为 relay seed 读取的初始数据文件格式。
type fixtures struct {
	Identities    []storage.Identity     `yaml:"identities"`
	Conversations []storage.Conversation `yaml:"conversations"`
}

func newSeedCmd(load loader) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load identities and conversations into the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := load()
			if err != nil {
				return err
			}
			fx, err := readFixtures(file)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), app.Config().Storage)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := applyFixtures(cmd.Context(), store, fx); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d identities and %d conversations\n",
				len(fx.Identities), len(fx.Conversations))
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "fixtures.yaml", "fixture file")
	return cmd
}

func readFixtures(path string) (fixtures, error) {
	var fx fixtures
	raw, err := os.ReadFile(path)
	if err != nil {
		return fx, errors.Wrap(err, "read fixtures")
	}
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return fx, errors.Wrapf(err, "parse fixtures %q", path)
	}
	return fx, nil
}

func applyFixtures(ctx context.Context, seeder storage.Seeder, fx fixtures) error {
	for _, identity := range fx.Identities {
		if err := seeder.PutIdentity(ctx, identity); err != nil {
			return errors.Wrapf(err, "seed identity %q", identity.ID)
		}
	}
	for _, conv := range fx.Conversations {
		if conv.Type == "" {
			conv.Type = storage.ConversationGroup
		}
		if err := seeder.PutConversation(ctx, conv); err != nil {
			return errors.Wrapf(err, "seed conversation %q", conv.ID)
		}
	}
	return nil
}
