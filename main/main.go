package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ontanj/conjunction"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conjunction",
		Short: "Confidential collision-risk analysis over encrypted trajectories",
	}
	rootCmd.AddCommand(simulateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// submission is one line of a trajectory file: operator,x,y,z,velocity,window
type submission struct {
	operator conjunction.Identity
	values   [5]uint64
}

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate [trajectory-file]",
		Short: "Submit every trajectory in a file, then reveal what the operators may see",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			startT := time.Now()
			cfg, err := conjunction.LoadConfig()
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg)

			submissions, err := parseTrajectoryFile(args[0])
			if err != nil {
				return err
			}
			for i, s := range submissions {
				fmt.Printf("mission %d (%s): %s\n", i+1, s.operator, readableValues(s.values[:]))
			}
			fmt.Println("-------")

			rt, err := conjunction.Open(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			revealAnalyses, _ := cmd.Flags().GetBool("reveal-analyses")
			if err := simulate(cmd.Context(), rt, submissions, revealAnalyses); err != nil {
				return err
			}
			fmt.Printf("%f s elapsed\n", time.Since(startT).Seconds())
			return nil
		},
	}
	cmd.Flags().String("backend", "", "homomorphic backend: dj or bfv")
	cmd.Flags().Int("parties", 0, "key committee size")
	cmd.Flags().Int("key-bits", 0, "Damgård–Jurik modulus size")
	cmd.Flags().String("db", "", "SQLite database path (in memory when empty)")
	cmd.Flags().String("nats-url", "", "publish events to this NATS server")
	cmd.Flags().Bool("reveal-analyses", true, "also reveal every analysis entry")
	return cmd
}

func applyFlags(cmd *cobra.Command, cfg *conjunction.Config) {
	if cmd.Flags().Changed("backend") {
		cfg.Backend, _ = cmd.Flags().GetString("backend")
	}
	if cmd.Flags().Changed("parties") {
		cfg.Parties, _ = cmd.Flags().GetInt("parties")
	}
	if cmd.Flags().Changed("key-bits") {
		cfg.KeyBits, _ = cmd.Flags().GetInt("key-bits")
	}
	if cmd.Flags().Changed("db") {
		cfg.DatabasePath, _ = cmd.Flags().GetString("db")
	}
	if cmd.Flags().Changed("nats-url") {
		cfg.NATSURL, _ = cmd.Flags().GetString("nats-url")
	}
}

func simulate(ctx context.Context, rt *conjunction.Runtime, submissions []submission, revealAnalyses bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	svc := rt.Service
	ids := make([]conjunction.MissionID, len(submissions))
	for i, s := range submissions {
		traj, err := conjunction.EncryptTrajectory(rt.Evaluator, s.values[0], s.values[1], s.values[2], s.values[3], s.values[4])
		if err != nil {
			return err
		}
		ids[i], err = svc.SubmitTrajectory(ctx, s.operator, s.operator, traj)
		if err != nil {
			return fmt.Errorf("submit line %d: %w", i+1, err)
		}
	}

	for i, id := range ids {
		op := submissions[i].operator
		if _, err := svc.RequestTrajectoryDecryption(ctx, op, id); err != nil {
			return err
		}
		if !revealAnalyses {
			continue
		}
		n, err := svc.AnalysisCount(id)
		if err != nil {
			return err
		}
		for a := 0; a < n; a += 1 {
			if _, err := svc.RequestAnalysisDecryption(ctx, op, id, a); err != nil {
				return err
			}
		}
	}
	if _, err := rt.Oracle.Deliver(ctx); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MISSION\tOPERATOR\tTRAJECTORY\tAGAINST\tDIST²\tCONFLICT\tRISK")
	for i, id := range ids {
		op := submissions[i].operator
		t, err := svc.DecryptedTrajectory(op, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t\t\t\t\n", id, op,
			readableValues([]uint64{t.PositionX, t.PositionY, t.PositionZ, t.Velocity, t.TimeWindow}))
		if !revealAnalyses {
			continue
		}
		analyses, err := svc.Analyses(op, id)
		if err != nil {
			return err
		}
		for _, entry := range analyses {
			d, err := svc.DecryptedAnalysis(op, id, entry.AnalysisID)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "\t\t\t%d\t%d\t%d\t%d\n", entry.OtherID, d.DistanceSquared, d.TimeConflict, d.RiskScore)
		}
	}
	return w.Flush()
}

func readableValues(values []uint64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatUint(v, 10)
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

func parseTrajectoryFile(filename string) ([]submission, error) {
	dat, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	file := strings.ReplaceAll(string(dat), "\r\n", "\n")
	file = strings.Trim(file, "\r\n")
	var submissions []submission
	for i, line := range strings.Split(file, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 6 {
			return nil, fmt.Errorf("line %d: want operator and five values, got %d fields", i+1, len(fields))
		}
		s := submission{operator: conjunction.Identity(strings.TrimSpace(fields[0]))}
		for j, v := range fields[1:] {
			s.values[j], err = strconv.ParseUint(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: parse %q: %w", i+1, v, err)
			}
		}
		submissions = append(submissions, s)
	}
	return submissions, nil
}
