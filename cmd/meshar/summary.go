package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"meshar/internal/sim"
)

type scenarioSummary struct {
	Duration  time.Duration
	Keyframes int
	Nodes     int
	// Silent counts keyframes that start a silent segment.
	Silent int
	// LowBattery lists node IDs whose battery drops under 20% at some point.
	LowBattery []uint32
}

func summarizeScenario(script sim.ScenarioScript, scn *sim.Scenario) scenarioSummary {
	s := scenarioSummary{
		Duration:  scn.Duration(),
		Keyframes: len(script.Ownship.Keyframes),
		Nodes:     len(script.Nodes),
	}
	for _, n := range script.Nodes {
		s.Keyframes += len(n.Keyframes)
		low := false
		for i, kf := range n.Keyframes {
			if kf.Silent && (i == 0 || !n.Keyframes[i-1].Silent) {
				s.Silent++
			}
			if kf.BatteryPct != nil && *kf.BatteryPct < 20 {
				low = true
			}
		}
		if low {
			s.LowBattery = append(s.LowBattery, n.ID)
		}
	}
	sort.Slice(s.LowBattery, func(i, j int) bool { return s.LowBattery[i] < s.LowBattery[j] })
	return s
}

func printScenarioSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	script, err := sim.LoadScenarioScript(path)
	if err != nil {
		return err
	}
	scn, err := sim.NewScenario(script)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", path, err)
	}

	s := summarizeScenario(script, scn)
	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "duration: %s\n", s.Duration)
	fmt.Fprintf(w, "nodes: %d\n", s.Nodes)
	fmt.Fprintf(w, "keyframes: %d\n", s.Keyframes)
	fmt.Fprintf(w, "silent_segments: %d\n", s.Silent)
	fmt.Fprintf(w, "low_battery_nodes:")
	for _, id := range s.LowBattery {
		fmt.Fprintf(w, " !%08x", id)
	}
	fmt.Fprintln(w)
	return nil
}
