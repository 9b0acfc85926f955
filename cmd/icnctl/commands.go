package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"icnaas/pkg/client"
	"icnaas/pkg/config"
	"icnaas/pkg/model"
	"icnaas/pkg/topology"
	"icnaas/pkg/version"
)

// cli carries the state shared by all subcommands.
type cli struct {
	out      io.Writer
	envFile  string
	endpoint string
	timeout  time.Duration
	client   *client.Client
}

func newRootCmd(executable string, out io.Writer) *cobra.Command {
	c := &cli{out: out}
	cmd := &cobra.Command{
		Use:   executable,
		Short: "Manage the ICNaaS routing topology",
		Args:  cobra.NoArgs,
		// Errors are printed by main.
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.connect()
		},
	}
	cmd.SetOut(out)
	flags := cmd.PersistentFlags()
	flags.StringVar(&c.envFile, "env", "", "env file with ICNAAS_* client settings")
	flags.StringVar(&c.endpoint, "endpoint", "", "manager endpoint (overrides ICNAAS_ENDPOINT)")
	flags.DurationVar(&c.timeout, "timeout", 0, "request timeout (overrides ICNAAS_TIMEOUT)")

	cmd.AddCommand(
		newVersionCmd(c),
		c.routersCmd(),
		c.prefixesCmd(),
		c.routesCmd(),
		c.endpointsCmd(),
		c.topologyCmd(),
		c.pushesCmd(),
	)
	return cmd
}

func (c *cli) connect() error {
	if c.client != nil {
		return nil
	}
	cfg, err := config.LoadClient(c.envFile)
	if err != nil {
		return err
	}
	if c.endpoint != "" {
		cfg.Endpoint = c.endpoint
	}
	if c.timeout > 0 {
		cfg.Timeout = c.timeout
	}
	opts := []client.Option{client.WithTimeout(cfg.Timeout)}
	files := cfg.TLS()
	if files.Enabled() || files.ClientCA != "" {
		tc, err := files.ClientConfig()
		if err != nil {
			return err
		}
		opts = append(opts, client.WithTLS(tc))
	}
	c.client = client.New(cfg.Endpoint, opts...)
	return nil
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the icnctl version",
		Args:  cobra.NoArgs,
		// No manager connection needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(c.out, version.String("icnctl"))
			return err
		},
	}
}

// routerFlags collects router attributes and remembers which were set.
type routerFlags struct {
	ip, hostname string
	layer, cell  int
	x, y         float64
}

func (f *routerFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.ip, "ip", "", "public ip")
	fl.StringVar(&f.hostname, "hostname", "", "hostname")
	fl.IntVar(&f.layer, "layer", 0, "layer, 0 faces clients")
	fl.IntVar(&f.cell, "cell", 0, "cell id, layer 0 only")
	fl.Float64Var(&f.x, "x", 0, "x coordinate")
	fl.Float64Var(&f.y, "y", 0, "y coordinate")
}

func (f *routerFlags) update(cmd *cobra.Command) topology.RouterUpdate {
	var upd topology.RouterUpdate
	fl := cmd.Flags()
	if fl.Changed("ip") {
		upd.PublicIP = &f.ip
	}
	if fl.Changed("hostname") {
		upd.Hostname = &f.hostname
	}
	if fl.Changed("layer") {
		upd.Layer = &f.layer
	}
	if fl.Changed("cell") {
		upd.CellID = &f.cell
	}
	if fl.Changed("x") && fl.Changed("y") {
		upd.CoordX, upd.CoordY = &f.x, &f.y
	}
	return upd
}

func (c *cli) routersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "routers",
		Aliases: []string{"router"},
		Short:   "List and manage routers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rs, err := c.client.Routers(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(rs)
		},
	}

	get := &cobra.Command{
		Use:   "get <ip>",
		Short: "Show one router",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.client.Router(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(r)
		},
	}

	cell := &cobra.Command{
		Use:   "cell <cell_id>",
		Short: "List the layer 0 routers of a cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid cell id %q", args[0])
			}
			cmd.SilenceUsage = true
			rs, err := c.client.RoutersByCell(cmd.Context(), id)
			if err != nil {
				return err
			}
			return c.print(rs)
		},
	}

	var cf routerFlags
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a router and recompute routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			upd := cf.update(cmd)
			r := model.Router{PublicIP: cf.ip, Hostname: cf.hostname, Layer: cf.layer, CellID: cf.cell}
			r.CoordX, r.CoordY = upd.CoordX, upd.CoordY
			cmd.SilenceUsage = true
			out, err := c.client.CreateRouter(cmd.Context(), r)
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}
	cf.register(create)
	_ = create.MarkFlagRequired("ip")
	_ = create.MarkFlagRequired("hostname")

	var uf routerFlags
	update := &cobra.Command{
		Use:   "update <ip>",
		Short: "Change a router; layer and cell are required by the manager",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			out, err := c.client.UpdateRouter(cmd.Context(), args[0], uf.update(cmd))
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}
	uf.register(update)

	del := &cobra.Command{
		Use:   "delete <ip>",
		Short: "Remove a router and its routes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if err := c.client.DeleteRouter(cmd.Context(), args[0]); err != nil {
				return err
			}
			return c.print(map[string]bool{"result": true})
		},
	}

	cmd.AddCommand(get, cell, create, update, del)
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func (c *cli) prefixesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "prefixes",
		Aliases: []string{"prefix"},
		Short:   "List and manage content prefixes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ps, err := c.client.Prefixes(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(ps)
		},
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			p, err := c.client.Prefix(cmd.Context(), id)
			if err != nil {
				return err
			}
			return c.print(p)
		},
	}

	var balancing int
	create := &cobra.Command{
		Use:   "create <url>",
		Short: "Add a prefix and route it through every layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			p, err := c.client.CreatePrefix(cmd.Context(), args[0], balancing)
			if err != nil {
				return err
			}
			return c.print(p)
		},
	}
	create.Flags().IntVar(&balancing, "balancing", 0, "1 enables load sharing")

	var (
		url          string
		newBalancing int
	)
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Rename a prefix or change its balancing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			p, err := c.client.UpdatePrefix(cmd.Context(), id, url, newBalancing)
			if err != nil {
				return err
			}
			return c.print(p)
		},
	}
	update.Flags().StringVar(&url, "url", "", "new url, unchanged when empty")
	update.Flags().IntVar(&newBalancing, "balancing", 0, "1 enables load sharing")
	_ = update.MarkFlagRequired("balancing")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a prefix and its routes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			if err := c.client.DeletePrefix(cmd.Context(), id); err != nil {
				return err
			}
			return c.print(map[string]bool{"result": true})
		},
	}

	cmd.AddCommand(get, create, update, del)
	return cmd
}

func (c *cli) routesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "routes",
		Aliases: []string{"route"},
		Short:   "List routes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rs, err := c.client.Routes(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(rs)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			r, err := c.client.Route(cmd.Context(), id)
			if err != nil {
				return err
			}
			return c.print(r)
		},
	})
	return cmd
}

func (c *cli) endpointsCmd() *cobra.Command {
	list := func(use, short string, fn func(context.Context) ([]model.Router, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				rs, err := fn(cmd.Context())
				if err != nil {
					return err
				}
				return c.print(rs)
			},
		}
	}
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Show service endpoints",
	}
	cmd.AddCommand(
		list("client", "Routers facing clients (layer 0)", func(ctx context.Context) ([]model.Router, error) {
			return c.client.ClientEndpoints(ctx)
		}),
		list("server", "Routers at the content source tier", func(ctx context.Context) ([]model.Router, error) {
			return c.client.ServerEndpoints(ctx)
		}),
	)
	return cmd
}

func (c *cli) topologyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Show layers, links and consistency violations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := c.client.Topology(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(snap)
		},
	}
}

func (c *cli) pushesCmd() *cobra.Command {
	var (
		host  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "pushes",
		Short: "Show recent device pushes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recs, err := c.client.Pushes(cmd.Context(), host, limit)
			if err != nil {
				return err
			}
			return c.print(recs)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "only pushes to this router")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum records")
	return cmd
}
