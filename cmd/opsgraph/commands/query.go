package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	dps "github.com/markusmobius/go-dateparser"
	"github.com/spf13/cobra"

	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/query"
)

var queryTenant string

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Ask the graph impact, dependency and cost questions",
}

func init() {
	queryCmd.PersistentFlags().StringVar(&queryTenant, "tenant", "", "Tenant to query (required)")

	queryCmd.AddCommand(blastRadiusCmd)
	queryCmd.AddCommand(chainCmd)
	queryCmd.AddCommand(pathCmd)
	queryCmd.AddCommand(orphansCmd)
	queryCmd.AddCommand(spofCmd)
	queryCmd.AddCommand(criticalCmd)
	queryCmd.AddCommand(clustersCmd)
	queryCmd.AddCommand(topologyCmd)
	queryCmd.AddCommand(costCmd)
	queryCmd.AddCommand(driftCmd)
	queryCmd.AddCommand(timelineCmd)
	queryCmd.AddCommand(statsCmd)
}

func requireTenant() error {
	if queryTenant == "" {
		return fmt.Errorf("--tenant is required")
	}
	return nil
}

var queryDepth int

var blastRadiusCmd = &cobra.Command{
	Use:   "blast-radius <node-id>",
	Short: "Show everything affected if the node fails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}
		a, err := buildApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()
		radius, err := a.engine.GetBlastRadius(context.Background(), queryTenant, args[0], queryDepth)
		if err != nil {
			return err
		}
		return printJSON(radius)
	},
}

var chainDirection string

var chainCmd = &cobra.Command{
	Use:   "chain <node-id>",
	Short: "Walk the dependency chain from a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}
		direction, err := parseDirection(chainDirection)
		if err != nil {
			return err
		}
		a, err := buildApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()
		chain, err := a.engine.GetDependencyChain(context.Background(), queryTenant, args[0], direction, queryDepth)
		if err != nil {
			return err
		}
		return printJSON(chain)
	},
}

var pathCmd = &cobra.Command{
	Use:   "path <source-id> <target-id>",
	Short: "Find the shortest path between two nodes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalytics(func(ctx context.Context, eng *query.Engine) (any, error) {
			return eng.ShortestPath(ctx, args[0], args[1])
		})
	},
}

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List nodes with no relationships at all",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalytics(func(ctx context.Context, eng *query.Engine) (any, error) {
			return eng.FindOrphans(ctx)
		})
	},
}

var spofCmd = &cobra.Command{
	Use:   "spof",
	Short: "List single points of failure",
	Long: `List articulation points: nodes whose removal disconnects part of
the graph from the rest.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalytics(func(ctx context.Context, eng *query.Engine) (any, error) {
			return eng.FindSinglePointsOfFailure(ctx)
		})
	},
}

var criticalTop int

var criticalCmd = &cobra.Command{
	Use:   "critical",
	Short: "Rank nodes by how much depends on them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalytics(func(ctx context.Context, eng *query.Engine) (any, error) {
			return eng.FindCriticalNodes(ctx, criticalTop)
		})
	},
}

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "List connected components of the graph",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalytics(func(ctx context.Context, eng *query.Engine) (any, error) {
			return eng.FindClusters(ctx)
		})
	},
}

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Dump the filtered topology as nodes and edges",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}
		a, err := buildApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()
		topo, err := a.engine.GetTopology(context.Background(), queryTenant, buildNodeFilter())
		if err != nil {
			return err
		}
		return printJSON(topo)
	},
}

var (
	costGroup string
	costLabel string
)

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Aggregate monthly cost for a group or a filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}
		a, err := buildApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := context.Background()
		if costGroup != "" {
			report, err := a.engine.GetGroupCost(ctx, queryTenant, costGroup)
			if err != nil {
				return err
			}
			return printJSON(report)
		}
		report, err := a.engine.GetCostByFilter(ctx, queryTenant, buildNodeFilter(), costLabel)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var driftProvider string

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Compare the current graph against the last full sync",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}
		provider := graph.Provider(driftProvider)
		if driftProvider != "" && !provider.Valid() {
			return fmt.Errorf("unknown provider %q", driftProvider)
		}
		a, err := buildApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()
		report, err := a.engine.DetectDrift(context.Background(), queryTenant, provider)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var (
	timelineLimit int
	timelineSince string
)

var timelineCmd = &cobra.Command{
	Use:   "timeline <node-id>",
	Short: "Show the change history of a node, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}
		a, err := buildApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()
		records, err := a.engine.GetTimeline(context.Background(), queryTenant, args[0], timelineLimit)
		if err != nil {
			return err
		}
		if timelineSince != "" {
			since, err := parseSince(timelineSince)
			if err != nil {
				return err
			}
			kept := records[:0]
			for _, r := range records {
				if !r.DetectedAt.Before(since) {
					kept = append(kept, r)
				}
			}
			records = kept
		}
		return printJSON(records)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the tenant's graph summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}
		a, err := buildApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()
		stats, err := a.engine.GetStats(context.Background(), queryTenant)
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var (
	filterProviders []string
	filterAccounts  []string
	filterRegions   []string
	filterTypes     []string
	filterStatuses  []string
	filterTags      []string
	filterName      string
	filterLimit     int
)

func init() {
	blastRadiusCmd.Flags().IntVar(&queryDepth, "depth", 5, "Maximum traversal depth")
	chainCmd.Flags().IntVar(&queryDepth, "depth", 5, "Maximum traversal depth")
	chainCmd.Flags().StringVar(&chainDirection, "direction", "down", "Traversal direction: up, down or both")
	criticalCmd.Flags().IntVar(&criticalTop, "top", 10, "How many nodes to return")
	costCmd.Flags().StringVar(&costGroup, "group", "", "Aggregate a saved group instead of a filter")
	costCmd.Flags().StringVar(&costLabel, "label", "", "Label for the filter-based report")
	driftCmd.Flags().StringVar(&driftProvider, "provider", "", "Restrict the report to one provider")
	timelineCmd.Flags().IntVar(&timelineLimit, "limit", 50, "Maximum records to return")
	timelineCmd.Flags().StringVar(&timelineSince, "since", "",
		"Only changes at or after this time. Accepts natural language, e.g. \"2 days ago\"")

	for _, c := range []*cobra.Command{topologyCmd, costCmd} {
		c.Flags().StringSliceVar(&filterProviders, "provider-filter", nil, "Filter by provider")
		c.Flags().StringSliceVar(&filterAccounts, "account", nil, "Filter by account id")
		c.Flags().StringSliceVar(&filterRegions, "region", nil, "Filter by region")
		c.Flags().StringSliceVar(&filterTypes, "type", nil, "Filter by resource type")
		c.Flags().StringSliceVar(&filterStatuses, "status", nil, "Filter by status")
		c.Flags().StringSliceVar(&filterTags, "tag", nil, "Filter by tag, key=value")
		c.Flags().StringVar(&filterName, "name", "", "Filter by name substring")
		c.Flags().IntVar(&filterLimit, "limit", 0, "Cap the number of nodes")
	}
}

// runAnalytics handles the commands that run on the in-memory analytics
// engine rather than on per-query storage traversal.
func runAnalytics(fn func(ctx context.Context, eng *query.Engine) (any, error)) error {
	if err := requireTenant(); err != nil {
		return err
	}
	a, err := buildApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	eng, err := a.engine.Analytics(ctx, queryTenant, query.Config{MaxNodes: a.cfg.Tenancy.MaxNodes})
	if err != nil {
		return err
	}
	result, err := fn(ctx, eng)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func parseDirection(s string) (graph.Direction, error) {
	switch strings.ToLower(s) {
	case "up", "upstream":
		return graph.DirectionUpstream, nil
	case "down", "downstream":
		return graph.DirectionDownstream, nil
	case "both":
		return graph.DirectionBoth, nil
	}
	return "", fmt.Errorf("unknown direction %q, want up, down or both", s)
}

// parseSince accepts both timestamps and natural-language offsets.
func parseSince(s string) (time.Time, error) {
	parser := dps.Parser{}
	cfg := &dps.Configuration{PreferredDateSource: dps.CurrentPeriod}
	parsed, err := parser.Parse(cfg, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse --since %q: %w", s, err)
	}
	return parsed.Time, nil
}

func buildNodeFilter() *graph.NodeFilter {
	f := &graph.NodeFilter{
		Accounts:     filterAccounts,
		Regions:      filterRegions,
		NameContains: filterName,
		Limit:        filterLimit,
	}
	for _, p := range filterProviders {
		f.Providers = append(f.Providers, graph.Provider(p))
	}
	for _, t := range filterTypes {
		f.ResourceTypes = append(f.ResourceTypes, graph.ResourceType(t))
	}
	for _, s := range filterStatuses {
		f.Statuses = append(f.Statuses, graph.Status(s))
	}
	for _, kv := range filterTags {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if f.Tags == nil {
			f.Tags = make(map[string]string)
		}
		f.Tags[parts[0]] = parts[1]
	}
	if f.Providers == nil && f.Accounts == nil && f.Regions == nil &&
		f.ResourceTypes == nil && f.Statuses == nil && f.Tags == nil &&
		f.NameContains == "" && f.Limit == 0 {
		return nil
	}
	return f
}
