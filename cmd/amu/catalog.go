package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/curriculum"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/learner"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/persistence/postgres"
)

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG FILE
// Curriculum content is owned by content management; this file format is how
// an export reaches the service's read model.
// ══════════════════════════════════════════════════════════════════════════════

type catalogFile struct {
	Courses  []catalogCourse   `json:"courses"`
	Learners []learner.Profile `json:"learners"`
}

type catalogCourse struct {
	curriculum.Course
	Modules []curriculum.Module `json:"modules"`
}

// catalogSink receives courses and learner profiles.
type catalogSink struct {
	putCourse  func(ctx context.Context, course curriculum.Course, modules ...curriculum.Module) error
	putLearner func(ctx context.Context, p learner.Profile) error
}

func readCatalogFile(path string) (*catalogFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var f catalogFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}

	for i := range f.Courses {
		c := &f.Courses[i]
		if c.ID == "" {
			return nil, fmt.Errorf("catalog %s: course %d has no id", path, i)
		}
		if len(c.RequiredModuleIDs) == 0 {
			for _, m := range c.Modules {
				c.RequiredModuleIDs = append(c.RequiredModuleIDs, m.ID)
			}
		}
		for j := range c.Modules {
			if c.Modules[j].ID == "" {
				return nil, fmt.Errorf("catalog %s: course %s module %d has no id", path, c.ID, j)
			}
			if c.Modules[j].CourseID == "" {
				c.Modules[j].CourseID = c.ID
			}
		}
	}
	for i, p := range f.Learners {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog %s: learner %d has no id", path, i)
		}
	}
	return &f, nil
}

// load writes the file into sink and returns the number of courses and
// learners written.
func (f *catalogFile) load(ctx context.Context, sink catalogSink) (int, int, error) {
	for _, c := range f.Courses {
		if err := sink.putCourse(ctx, c.Course, c.Modules...); err != nil {
			return 0, 0, fmt.Errorf("put course %s: %w", c.ID, err)
		}
	}
	for _, p := range f.Learners {
		if err := sink.putLearner(ctx, p); err != nil {
			return len(f.Courses), 0, fmt.Errorf("put learner %s: %w", p.ID, err)
		}
	}
	return len(f.Courses), len(f.Learners), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// COMMAND
// ══════════════════════════════════════════════════════════════════════════════

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the curriculum read model",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Upsert courses, modules and learner profiles into postgres",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := readCatalogFile(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		conn, err := postgres.NewConnection(ctx, postgresConfig(cfg))
		if err != nil {
			return err
		}
		defer conn.Close()

		courses := postgres.NewCatalogRepository(conn)
		learners := postgres.NewLearnerRepository(conn)
		nc, nl, err := f.load(ctx, catalogSink{putCourse: courses.PutCourse, putLearner: learners.Put})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d courses and %d learners\n", nc, nl)
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogImportCmd)
}
