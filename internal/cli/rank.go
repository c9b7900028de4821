package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/status"

	"github.com/knoguchi/trackrank/internal/explain"
	"github.com/knoguchi/trackrank/internal/rules"
	"github.com/knoguchi/trackrank/internal/service"
)

func newExplainCommand(opts *options) *cobra.Command {
	var maxDepth int

	cmd := &cobra.Command{
		Use:   "explain <tree.json>",
		Short: "Attribute a Solr explain tree to fields and terms",
		Long: `Decompose a Solr debug explain tree and print how much each field, term
and phrase contributed to the document score.

	Examples:
	  trackrank explain explain.json
	  trackrank explain -p 2 explain.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tree explain.Node
			if err := readJSON(args[0], &tree); err != nil {
				return err
			}

			svc := service.NewRankService(rules.NewStore(rules.StoreConfig{Loader: rules.StaticLoader{}}),
				service.WithMaxDepth(maxDepth))
			res, err := svc.Explain(cmd.Context(), &service.ExplainRequest{Tree: &tree, Precision: &opts.precision})
			if err != nil {
				return statusError(err)
			}
			return opts.printJSON(res)
		},
	}
	cmd.Flags().IntVar(&maxDepth, "max-depth", explain.DefaultMaxDepth, "maximum explain tree depth to descend")
	return cmd
}

func newRerankCommand(opts *options) *cobra.Command {
	var rulesFile string

	cmd := &cobra.Command{
		Use:   "rerank --rules <rules.yaml> <request.json>",
		Short: "Merge result sets and apply business rules",
		Long: `Merge the result windows of a rerank request, apply the business rules
from a YAML file and print the served order with its audit trail.

	Examples:
	  trackrank rerank --rules configs/business_rules.yaml request.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req service.RerankRequest
			if err := readJSON(args[0], &req); err != nil {
				return err
			}
			req.Precision = &opts.precision

			store := rules.NewStore(rules.StoreConfig{Loader: rules.NewFileLoader(rulesFile)})
			if _, err := store.Reload(cmd.Context()); err != nil {
				return err
			}

			resp, err := service.NewRankService(store).Rerank(cmd.Context(), &req)
			if err != nil {
				return statusError(err)
			}
			return opts.printJSON(resp)
		},
	}
	cmd.Flags().StringVarP(&rulesFile, "rules", "r", "configs/business_rules.yaml", "business rules YAML file")
	return cmd
}

// statusError strips the gRPC status wrapping for terminal output.
func statusError(err error) error {
	if st, ok := status.FromError(err); ok {
		return fmt.Errorf("%s: %s", st.Code(), st.Message())
	}
	return err
}
