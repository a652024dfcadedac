package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/uplinehq/upline/modules/referral/infrastructure/persistence"
	"github.com/uplinehq/upline/modules/referral/services"
	"github.com/uplinehq/upline/pkg/composables"
	"github.com/uplinehq/upline/pkg/configuration"
	"github.com/uplinehq/upline/pkg/eventbus"
)

type runOptions struct {
	TenantID string
	Nodes    int
	MaxDepth int
	Seed     int64
	Workers  int
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run --tenant <uuid> --nodes <n>",
		Short: "Seed a randomized referral network through the service layer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(opts.TenantID) == "" {
				return errors.New("--tenant is required")
			}
			tenantID, err := uuid.Parse(opts.TenantID)
			if err != nil {
				return fmt.Errorf("invalid --tenant: %w", err)
			}
			if opts.Nodes < 1 {
				return errors.New("--nodes must be at least 1")
			}
			if opts.Seed == 0 {
				opts.Seed = time.Now().UnixNano()
			}

			cfg := configuration.Use()
			pool, err := pgxpool.New(cmd.Context(), cfg.Database.Opts)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer pool.Close()

			ctx := composables.WithPool(cmd.Context(), pool)
			svc := services.NewTreeService(
				persistence.NewTreeRepository(),
				persistence.NewParticipantDirectory(),
				eventbus.NewEventPublisher(cfg.Logger()),
			)

			startedAt := time.Now()
			treeID, inserted, err := seedNetwork(ctx, svc, tenantID, opts)
			if err != nil {
				return err
			}

			analysis, err := svc.Analyze(ctx, tenantID, treeID)
			if err != nil {
				return err
			}

			fmt.Printf("tree %s seeded: %d nodes in %s\n", treeID, inserted, time.Since(startedAt).Round(time.Millisecond))
			fmt.Printf("max depth %d, density %.3f, balanced %v\n", analysis.MaxDepth, analysis.Density, analysis.IsBalanced)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant uuid")
	cmd.Flags().IntVar(&opts.Nodes, "nodes", 100, "number of nodes to insert under the root")
	cmd.Flags().IntVar(&opts.MaxDepth, "max-depth", 0, "tree depth limit (0 = configured default)")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "random seed (0 = time-based)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 8, "concurrent insert workers")
	return cmd
}

// seedNetwork creates one tree and grows a randomized network under it.
// Inserts run in waves: within a wave siblings of the same parent are
// inserted sequentially by one goroutine while distinct parents proceed in
// parallel, so sibling positions stay deterministic per parent.
func seedNetwork(ctx context.Context, svc *services.TreeService, tenantID uuid.UUID, opts runOptions) (uuid.UUID, int, error) {
	repo := persistence.NewTreeRepository()
	dir := persistence.NewParticipantDirectory()

	rootEntity := uuid.New()
	if err := repo.InTx(ctx, tenantID, func(txCtx context.Context) error {
		return dir.UpsertParticipant(txCtx, tenantID, rootEntity, "seed root")
	}); err != nil {
		return uuid.Nil, 0, fmt.Errorf("register root participant: %w", err)
	}

	created, err := svc.CreateTree(ctx, tenantID, services.CreateTreeInput{
		Name:         fmt.Sprintf("seed-%d", opts.Seed),
		RootEntityID: rootEntity,
		MaxDepth:     opts.MaxDepth,
	})
	if err != nil {
		return uuid.Nil, 0, err
	}

	maxDepth := opts.MaxDepth
	if maxDepth == 0 {
		maxDepth = configuration.Use().Referral.DefaultMaxDepth
	}

	rng := rand.New(rand.NewSource(opts.Seed))

	type placed struct {
		nodeID uuid.UUID
		level  int
	}
	nodes := []placed{{nodeID: created.RootNodeID, level: 0}}

	var (
		mu       sync.Mutex
		inserted int
	)
	remaining := opts.Nodes
	for remaining > 0 {
		// Assign this wave's subjects to random parents below the depth
		// limit.
		wave := remaining
		if wave > 64 {
			wave = 64
		}
		assignments := make(map[uuid.UUID][]uuid.UUID)
		assigned := 0
		for i := 0; i < wave; i++ {
			parent := nodes[rng.Intn(len(nodes))]
			if parent.level >= maxDepth {
				continue
			}
			subject := uuid.New()
			assignments[parent.nodeID] = append(assignments[parent.nodeID], subject)
			assigned++
		}
		if assigned == 0 {
			continue
		}

		var subjects []uuid.UUID
		for _, batch := range assignments {
			subjects = append(subjects, batch...)
		}
		if err := repo.InTx(ctx, tenantID, func(txCtx context.Context) error {
			for _, subject := range subjects {
				if err := dir.UpsertParticipant(txCtx, tenantID, subject, "seed participant"); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return uuid.Nil, 0, fmt.Errorf("register participants: %w", err)
		}

		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Workers)
		for parentID, batch := range assignments {
			g.Go(func() error {
				for _, subject := range batch {
					res, err := svc.InsertNode(gCtx, tenantID, services.InsertNodeInput{
						TreeID:          created.TreeID,
						SubjectEntityID: subject,
						ParentNodeID:    parentID,
					})
					if err != nil {
						return err
					}
					mu.Lock()
					nodes = append(nodes, placed{nodeID: res.NodeID, level: res.Level})
					inserted++
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return uuid.Nil, 0, err
		}
		// Picks skipped at the depth limit do not count toward --nodes.
		remaining -= assigned
	}

	return created.TreeID, inserted, nil
}
