package main

import (
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/queue"
)

var (
	importFile string
	importRun  bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load a menu from a YAML file into the store",
	Long:  "Saves the menu described by --file, replacing any existing sections and items for that menu. With --run the pipeline is run for it afterwards.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		menu, err := loadMenuFile(importFile)
		if err != nil {
			return err
		}

		if !importRun {
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
			if err := st.SaveMenu(ctx, menu); err != nil {
				return eris.Wrap(err, "import menu")
			}
			logImported(menu)
			return nil
		}

		env, err := initPipeline(ctx, queue.BackendInline)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.SaveMenu(ctx, menu); err != nil {
			return eris.Wrap(err, "import menu")
		}
		logImported(menu)

		if err := env.Queue.Start(ctx, env.Orchestrator.Handle); err != nil {
			return eris.Wrap(err, "start queue")
		}
		return eris.Wrap(env.Orchestrator.Trigger(ctx, menu.ID, menu.RestaurantID, "import"), "pipeline run")
	},
}

// loadMenuFile decodes a menu document and assigns IDs to sections and
// items that have none.
func loadMenuFile(path string) (*model.Menu, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read menu file %s", path)
	}

	var menu model.Menu
	if err := yaml.Unmarshal(raw, &menu); err != nil {
		return nil, eris.Wrapf(err, "parse menu file %s", path)
	}
	if err := normalizeMenu(&menu); err != nil {
		return nil, eris.Wrapf(err, "menu file %s", path)
	}
	return &menu, nil
}

func normalizeMenu(menu *model.Menu) error {
	menu.ID = strings.TrimSpace(menu.ID)
	menu.RestaurantID = strings.TrimSpace(menu.RestaurantID)
	if menu.ID == "" {
		return eris.New("menu id is required")
	}
	if menu.RestaurantID == "" {
		return eris.New("restaurant_id is required")
	}

	for si := range menu.Sections {
		sec := &menu.Sections[si]
		if sec.ID == "" {
			sec.ID = uuid.NewString()
		}
		if sec.Position == 0 {
			sec.Position = si + 1
		}
		for ii := range sec.Items {
			item := &sec.Items[ii]
			if strings.TrimSpace(item.Name) == "" {
				return eris.Errorf("section %q item %d has no name", sec.Name, ii+1)
			}
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			if item.Position == 0 {
				item.Position = ii + 1
			}
		}
	}
	return nil
}

func logImported(menu *model.Menu) {
	items := 0
	for _, sec := range menu.Sections {
		items += len(sec.Items)
	}
	zap.L().Info("menu imported",
		zap.String("menu_id", menu.ID),
		zap.String("restaurant_id", menu.RestaurantID),
		zap.Int("sections", len(menu.Sections)),
		zap.Int("items", items),
	)
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to menu YAML file (required)")
	importCmd.Flags().BoolVar(&importRun, "run", false, "run the pipeline after importing")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
