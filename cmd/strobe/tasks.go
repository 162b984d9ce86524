package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/m1gwings/treedrawer/tree"
	"github.com/urfave/cli/v3"

	"github.com/sharnoff/strobe"
)

func tasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Show the tasks running in a strobe server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  listenKey,
				Usage: "Address the server is listening on (default: http.listen)",
			},
		},
		Action: showTasks,
	}
}

func showTasks(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	addr := cmd.String(listenKey)
	if addr == "" {
		addr = a.cfg.HTTP.Listen
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/v1/tasks", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status from server: %s", resp.Status)
	}

	var tasks []strobe.TaskInfo
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return fmt.Errorf("failed to decode tasks: %w", err)
	}

	fmt.Println(taskTree(addr, tasks))
	return nil
}

// taskTree draws tasks as a tree, splitting their names on "/"
func taskTree(root string, tasks []strobe.TaskInfo) *tree.Tree {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })

	t := tree.NewTree(tree.NodeString(root))
	nodes := map[string]*tree.Tree{}
	for _, info := range tasks {
		parent := t
		parts := strings.Split(info.Name, "/")
		for i, part := range parts[:len(parts)-1] {
			prefix := strings.Join(parts[:i+1], "/")
			node, ok := nodes[prefix]
			if !ok {
				node = parent.AddChild(tree.NodeString(part))
				nodes[prefix] = node
			}
			parent = node
		}

		label := parts[len(parts)-1]
		if info.Count > 1 {
			label = fmt.Sprintf("%s x%d", label, info.Count)
		}
		parent.AddChild(tree.NodeString(label))
	}
	return t
}
