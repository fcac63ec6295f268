package cmds

import (
	"context"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/lunabot/pkg/persistence/chatstore"
)

// NewTurnsCommand groups commands that read the SQLite turn log.
func NewTurnsCommand() (*cobra.Command, error) {
	turnsCmd := &cobra.Command{
		Use:   "turns",
		Short: "Inspect the recorded turn log",
	}

	listCmd, err := NewTurnsListCommand()
	if err != nil {
		return nil, err
	}
	cobraListCmd, err := cli.BuildCobraCommand(listCmd)
	if err != nil {
		return nil, err
	}
	sessionsCmd, err := NewTurnsSessionsCommand()
	if err != nil {
		return nil, err
	}
	cobraSessionsCmd, err := cli.BuildCobraCommand(sessionsCmd)
	if err != nil {
		return nil, err
	}

	turnsCmd.AddCommand(cobraListCmd, cobraSessionsCmd)
	return turnsCmd, nil
}

type TurnsListCommand struct {
	*cmds.CommandDescription
}

type TurnsListSettings struct {
	TurnsDSN  string `glazed:"turns-dsn"`
	TurnsDB   string `glazed:"turns-db"`
	SessionID string `glazed:"session"`
	SinceMs   int    `glazed:"since-ms"`
	Limit     int    `glazed:"limit"`
}

type TurnsSessionsCommand struct {
	*cmds.CommandDescription
}

type TurnsSessionsSettings struct {
	TurnsDSN string `glazed:"turns-dsn"`
	TurnsDB  string `glazed:"turns-db"`
	Limit    int    `glazed:"limit"`
}

func turnsSections() ([]schema.Section, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	return []schema.Section{glazedSection, commandSettingsSection}, nil
}

func NewTurnsListCommand() (*TurnsListCommand, error) {
	sections, err := turnsSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List the recorded turns of one session"),
		cmds.WithFlags(
			fields.New(
				"turns-dsn",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("SQLite DSN for the turn log (preferred over turns-db)"),
			),
			fields.New(
				"turns-db",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("SQLite file of the turn log (DSN derived with WAL/busy_timeout)"),
			),
			fields.New(
				"session",
				fields.TypeString,
				fields.WithRequired(true),
				fields.WithHelp("Session id"),
			),
			fields.New(
				"since-ms",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Only turns created at or after this unix millisecond"),
			),
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(200),
				fields.WithHelp("Maximum number of turns"),
			),
		),
		cmds.WithSections(sections...),
	)
	return &TurnsListCommand{CommandDescription: desc}, nil
}

func (c *TurnsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &TurnsListSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return listTurns(ctx, s, gp)
}

func listTurns(ctx context.Context, s *TurnsListSettings, gp middlewares.Processor) error {
	store, err := openTurnStore(s.TurnsDSN, s.TurnsDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	items, err := store.List(ctx, chatstore.TurnQuery{
		SessionID: strings.TrimSpace(s.SessionID),
		SinceMs:   int64(s.SinceMs),
		Limit:     s.Limit,
	})
	if err != nil {
		return err
	}
	for _, item := range items {
		row := types.NewRow(
			types.MRP("id", item.ID),
			types.MRP("session_id", item.SessionID),
			types.MRP("seq", item.Seq),
			types.MRP("role", item.Role),
			types.MRP("content", item.Content),
			types.MRP("created_at_ms", item.CreatedAtMs),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func NewTurnsSessionsCommand() (*TurnsSessionsCommand, error) {
	sections, err := turnsSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"sessions",
		cmds.WithShort("List recorded sessions, most recent first"),
		cmds.WithFlags(
			fields.New(
				"turns-dsn",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("SQLite DSN for the turn log (preferred over turns-db)"),
			),
			fields.New(
				"turns-db",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("SQLite file of the turn log (DSN derived with WAL/busy_timeout)"),
			),
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(100),
				fields.WithHelp("Maximum number of sessions"),
			),
		),
		cmds.WithSections(sections...),
	)
	return &TurnsSessionsCommand{CommandDescription: desc}, nil
}

func (c *TurnsSessionsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &TurnsSessionsSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return listSessions(ctx, s, gp)
}

func listSessions(ctx context.Context, s *TurnsSessionsSettings, gp middlewares.Processor) error {
	store, err := openTurnStore(s.TurnsDSN, s.TurnsDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	items, err := store.Sessions(ctx, s.Limit)
	if err != nil {
		return err
	}
	for _, item := range items {
		row := types.NewRow(
			types.MRP("session_id", item.SessionID),
			types.MRP("turns", item.Turns),
			types.MRP("last_turn_at_ms", item.LastTurnAtMs),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func openTurnStore(dsn, path string) (*chatstore.SQLiteTurnStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if strings.TrimSpace(path) == "" {
			return nil, errors.New("turn log not configured (set --turns-dsn or --turns-db)")
		}
		var err error
		dsn, err = chatstore.SQLiteTurnDSNForFile(path)
		if err != nil {
			return nil, err
		}
	}
	return chatstore.NewSQLiteTurnStore(dsn)
}

var (
	_ cmds.GlazeCommand = &TurnsListCommand{}
	_ cmds.GlazeCommand = &TurnsSessionsCommand{}
)
