package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "npcctl",
	Short: "Control a running NPC World server",
	Long: `npcctl drives an npcworld server over its HTTP API: inspect the world,
run turns, read character memories and start or stop the world clock.`,
	SilenceUsage: true,
}

var worldCmd = &cobra.Command{
	Use:   "world",
	Short: "Show characters, active contracts and turn count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var ws worldStatus
		if err := api().do("GET", "/api/world", nil, &ws); err != nil {
			return err
		}
		printWorld(cmd.OutOrStdout(), &ws)
		return nil
	},
}

var turnCmd = &cobra.Command{
	Use:   "turn",
	Short: "Run one turn and print its outcome",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var tr turnResult
		if err := api().do("POST", "/api/turns", nil, &tr); err != nil {
			return err
		}
		printTurn(cmd.OutOrStdout(), &tr)
		return nil
	},
}

var lastCmd = &cobra.Command{
	Use:   "last",
	Short: "Print the most recent turn",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var tr turnResult
		if err := api().do("GET", "/api/turns/last", nil, &tr); err != nil {
			return err
		}
		printTurn(cmd.OutOrStdout(), &tr)
		return nil
	},
}

var memoriesCmd = &cobra.Command{
	Use:   "memories [name]",
	Short: "Print a character's memories as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw json.RawMessage
		if err := api().do("GET", "/api/characters/"+args[0]+"/memories", nil, &raw); err != nil {
			return err
		}
		var pretty strings.Builder
		enc := json.NewEncoder(&pretty)
		enc.SetIndent("", "  ")
		if err := enc.Encode(raw); err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), pretty.String())
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add [name] [location] [activity]",
	Short: "Add a character to the running world",
	Args:  cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"name": args[0]}
		if len(args) > 1 {
			body["location"] = args[1]
		}
		if len(args) > 2 {
			body["activity"] = args[2]
		}
		var c character
		if err := api().do("POST", "/api/characters", body, &c); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %s at %s (%s)\n", c.Name, c.Location, c.Activity)
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state [name] [location] [activity]",
	Short: "Set a character's location and activity",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"location": args[1], "activity": args[2]}
		var c character
		if err := api().do("PUT", "/api/characters/"+args[0]+"/state", body, &c); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s at %s\n", c.Name, c.Activity, c.Location)
		return nil
	},
}

var clockCmd = &cobra.Command{
	Use:       "clock [start|stop]",
	Short:     "Start or stop automatic turns",
	Args:      cobra.ExactValidArgs(1),
	ValidArgs: []string{"start", "stop"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := api().do("POST", "/api/clock/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "clock %s\n", map[string]string{"start": "started", "stop": "stopped"}[args[0]])
		return nil
	},
}

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Interactive loop: press Enter to run a turn",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return play(api(), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("NPCWORLD_SERVER", "http://localhost:3210"), "NPC World server URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "HTTP timeout; turns wait for every backend call")
	rootCmd.AddCommand(worldCmd, turnCmd, lastCmd, memoriesCmd, addCmd, stateCmd, clockCmd, playCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func api() *client { return newClient(serverURL, timeout) }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func play(c *client, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "NPC World")
	fmt.Fprintf(out, "Server: %s\n", c.base)
	fmt.Fprintln(out, "Press Enter to run a turn. Commands: /world, exit")
	fmt.Fprintln(out, "---")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "exit", "quit":
			fmt.Fprintln(out, "Bye!")
			return nil
		case "/world":
			var ws worldStatus
			if err := c.do("GET", "/api/world", nil, &ws); err != nil {
				printError(out, "%v", err)
				continue
			}
			printWorld(out, &ws)
		case "":
			var tr turnResult
			if err := c.do("POST", "/api/turns", nil, &tr); err != nil {
				printError(out, "%v", err)
				continue
			}
			printTurn(out, &tr)
		default:
			printError(out, "unknown command %q", input)
		}
	}
}

func printWorld(out io.Writer, ws *worldStatus) {
	fmt.Fprintf(out, "Turns: %d | Clock running: %v\n", ws.Turns, ws.ClockRunning)
	names := make([]string, 0, len(ws.Characters))
	for n := range ws.Characters {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c := ws.Characters[n]
		fmt.Fprintf(out, "  %s: %s at %s", c.Name, c.Activity, c.Location)
		if c.ActiveContract != "" {
			fmt.Fprintf(out, " [in %s]", c.ActiveContract)
		}
		fmt.Fprintln(out)
	}
	if len(ws.Contracts) > 0 {
		fmt.Fprintln(out, "Contracts:")
		ids := make([]string, 0, len(ws.Contracts))
		for id := range ws.Contracts {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(out, "  %s: %s\n", id, strings.Join(ws.Contracts[id].Participants, ", "))
		}
	}
}

func printTurn(out io.Writer, tr *turnResult) {
	fmt.Fprintf(out, "\033[36m[turn %d]\033[0m %s\n", tr.Number, tr.Resolution.Narrative)
	for _, in := range tr.Intents {
		fmt.Fprintf(out, "  %s: %s", in.Character, in.Action)
		if in.Dialogue != "" {
			fmt.Fprintf(out, " says %q", in.Dialogue)
		}
		fmt.Fprintln(out)
	}
	for _, w := range tr.Warnings {
		printError(out, "  %s %s: %s", w.Phase, w.Character, w.Message)
	}
}

func printError(out io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(out, "\033[31m"+format+"\033[0m\n", args...)
}
