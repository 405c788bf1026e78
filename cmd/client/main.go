// Command calc-client sends expressions to a calc-server or calc-proxy and
// prints the results.
package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/calcmir/calcmir/internal/catalog"
	"github.com/calcmir/calcmir/internal/cli"
	"github.com/calcmir/calcmir/pkg/client"
	"github.com/calcmir/calcmir/pkg/config"
	"github.com/calcmir/calcmir/pkg/expression"
	"github.com/calcmir/calcmir/pkg/logging"
)

func main() {
	cli.Main(newRootCmd())
}

func newRootCmd() *cobra.Command {
	d := config.DefaultClient()
	cmd := &cobra.Command{
		Use:   "calc-client",
		Short: "Send expressions to a calcmir server or proxy",
		Long: `calc-client sends one request per expression on a single connection and
prints each result, with its evaluation steps when requested. A failed
expression is reported and the next one is sent.

Expressions come from the predefined list (see --list) or from a YAML file.

Examples:
  calc-client                     # send every predefined expression
  calc-client --expr 0 --expr 5   # send predefined expressions 0 and 5
  calc-client -p 9998 --file exprs.yaml
  calc-client --show-steps=false --cache-control 30`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runClient,
	}

	fs := cmd.Flags()
	fs.StringP("host", "H", d.Host, "server or proxy host")
	fs.IntP("port", "p", d.Port, "server or proxy port")
	fs.Bool("show-steps", d.ShowSteps, "ask for the evaluation steps")
	fs.Bool("cache-result", d.CacheResult, "allow the result to be cached")
	fs.Int("cache-control", d.CacheControl, "maximum accepted age of a cached result in seconds (65535 means any)")
	fs.Duration("conn-timeout", d.ConnTimeout, "time allowed to connect")
	fs.Duration("read-timeout", d.ReadTimeout, "time allowed to wait for a response")
	fs.Duration("write-timeout", d.WriteTimeout, "time allowed to send a request")
	fs.IntSlice("expr", nil, "index of a predefined expression to send, repeatable")
	fs.String("file", "", "YAML file of expressions to send")
	fs.Bool("list", false, "print the predefined expressions and exit")
	cli.AddCommonFlags(fs)
	return cmd
}

func runClient(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if list, _ := cmd.Flags().GetBool("list"); list {
		printCatalog(out)
		return nil
	}

	exprs, err := selectExpressions(cmd)
	if err != nil {
		return err
	}

	v, path, err := cli.Viper(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.LoadClient(v, path)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	c, err := client.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	reports := c.RunSession(cmd.Context(), exprs, out)
	failed := 0
	for _, r := range reports {
		if r.Err != nil {
			failed++
		}
	}
	if failed == len(reports) && failed > 0 {
		return fmt.Errorf("all %d expressions failed", failed)
	}
	return nil
}

// selectExpressions returns the expressions named by --file or --expr, or
// every predefined expression when neither is set.
func selectExpressions(cmd *cobra.Command) ([]expression.Expr, error) {
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		return catalog.Load(path)
	}
	indexes, err := cmd.Flags().GetIntSlice("expr")
	if err != nil {
		return nil, err
	}
	if len(indexes) > 0 {
		return catalog.Select(indexes)
	}
	entries := catalog.Predefined()
	exprs := make([]expression.Expr, 0, len(entries))
	for _, entry := range entries {
		exprs = append(exprs, entry.Expr)
	}
	return exprs, nil
}

func printCatalog(w io.Writer) {
	fmt.Fprintln(w, "Available expressions:")
	for i, entry := range catalog.Predefined() {
		fmt.Fprintf(w, "%d: %s - %s\n    %s\n", i, entry.Name, entry.Description, entry.Expr)
	}
}
