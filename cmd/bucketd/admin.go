package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yohan020/my-bucket-editor/internal/adminapi"
	"github.com/yohan020/my-bucket-editor/internal/domain"
)

func client(c *cli.Context) (*adminapi.Client, error) {
	return adminapi.NewClient(adminapi.ClientOptions{Addr: c.String("host-addr")})
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func portFlag() cli.Flag {
	return &cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Project port", Required: true}
}

func projectsCommand() *cli.Command {
	return &cli.Command{
		Name:  "projects",
		Usage: "Manage shared projects",
		Subcommands: []*cli.Command{
			{Name: "list", Usage: "List projects", Action: projectsList},
			{
				Name:  "create",
				Usage: "Register a project folder",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Required: true},
					&cli.StringFlag{Name: "path", Required: true},
					portFlag(),
				},
				Action: projectsCreate,
			},
			{Name: "open", Usage: "Start the server of a project", ArgsUsage: "ID", Action: projectsOpen},
			{Name: "delete", Usage: "Delete a project and its guests", ArgsUsage: "ID", Action: projectsDelete},
		},
	}
}

func projectsList(c *cli.Context) error {
	api, err := client(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	projects, err := api.ListProjects(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPORT\tPATH\tLAST USED")
	for _, p := range projects {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", p.ID, p.Name, p.Port, p.Path, p.LastUsed)
	}
	return w.Flush()
}

func projectsCreate(c *cli.Context) error {
	api, err := client(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	p, err := api.CreateProject(ctx, domain.Project{Name: c.String("name"), Path: c.String("path"), Port: c.Int("port")})
	if err != nil {
		return err
	}
	fmt.Printf("Created project %d on port %d\n", p.ID, p.Port)
	return nil
}

func projectID(c *cli.Context) (int64, error) {
	if c.NArg() != 1 {
		return 0, cli.Exit("project ID is required", 2)
	}
	id, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil {
		return 0, cli.Exit("invalid project ID", 2)
	}
	return id, nil
}

func projectsOpen(c *cli.Context) error {
	id, err := projectID(c)
	if err != nil {
		return err
	}
	api, err := client(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	p, err := api.OpenProject(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Serving %s on port %d\n", p.Path, p.Port)
	return nil
}

func projectsDelete(c *cli.Context) error {
	id, err := projectID(c)
	if err != nil {
		return err
	}
	api, err := client(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	return api.DeleteProject(ctx, id)
}

func usersCommand() *cli.Command {
	action := func(name string, fn func(*adminapi.Client, context.Context, int, string) error) *cli.Command {
		return &cli.Command{
			Name:      name,
			Usage:     name + " a guest",
			ArgsUsage: "EMAIL",
			Flags:     []cli.Flag{portFlag()},
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return cli.Exit("email is required", 2)
				}
				api, err := client(c)
				if err != nil {
					return err
				}
				ctx, cancel := requestContext()
				defer cancel()
				return fn(api, ctx, c.Int("port"), c.Args().First())
			},
		}
	}
	return &cli.Command{
		Name:  "users",
		Usage: "Review guests of a project",
		Subcommands: []*cli.Command{
			{Name: "list", Usage: "List guests", Flags: []cli.Flag{portFlag()}, Action: usersList},
			{Name: "requests", Usage: "Show recent join requests", Action: usersRequests},
			action("approve", (*adminapi.Client).ApproveUser),
			action("reject", (*adminapi.Client).RejectUser),
			action("remove", (*adminapi.Client).RemoveUser),
		},
	}
}

func usersList(c *cli.Context) error {
	api, err := client(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	users, err := api.ListUsers(ctx, c.Int("port"))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tSTATUS\tAPPROVED AT")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\n", u.Email, u.Status, u.ApprovedAt)
	}
	return w.Flush()
}

func usersRequests(c *cli.Context) error {
	api, err := client(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	reqs, err := api.Requests(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tEMAIL\tAT")
	for _, r := range reqs {
		fmt.Fprintf(w, "%d\t%s\t%s\n", r.Port, r.Email, r.At.Format(time.RFC3339))
	}
	return w.Flush()
}

func tunnelCommand() *cli.Command {
	return &cli.Command{
		Name:  "tunnel",
		Usage: "Manage the public tunnel",
		Subcommands: []*cli.Command{
			{Name: "status", Usage: "Show the tunnel", Action: tunnelStatus},
			{Name: "start", Usage: "Expose a project port", Flags: []cli.Flag{portFlag()}, Action: tunnelStart},
			{Name: "stop", Usage: "Close the tunnel", Action: tunnelStop},
		},
	}
}

func printTunnel(st adminapi.TunnelStatus) {
	if !st.Active {
		fmt.Println("No active tunnel")
		return
	}
	fmt.Println(st.URL)
}

func tunnelStatus(c *cli.Context) error {
	api, err := client(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	st, err := api.Tunnel(ctx)
	if err != nil {
		return err
	}
	printTunnel(st)
	return nil
}

func tunnelStart(c *cli.Context) error {
	api, err := client(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	st, err := api.StartTunnel(ctx, c.Int("port"))
	if err != nil {
		return err
	}
	printTunnel(st)
	return nil
}

func tunnelStop(c *cli.Context) error {
	api, err := client(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	return api.StopTunnel(ctx)
}
