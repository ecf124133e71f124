package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/viking-gps/bgpool/internal/model"
)

var jobHeaders = []string{"name", "kind", "category", "items", "schedule", "target"}

// printJobs renders the plan as a table.
func printJobs(out io.Writer, plan *model.Plan) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	headerLine := make([]string, len(jobHeaders))
	for i, h := range jobHeaders {
		headerLine[i] = color.New(color.Bold).Sprint(strings.ToUpper(h))
	}
	if _, err := fmt.Fprintln(w, strings.Join(headerLine, "\t")); err != nil {
		return err
	}

	for _, job := range plan.Jobs {
		row := []string{
			job.Name,
			job.Kind,
			job.CategoryName(),
			items(job),
			schedule(job.Schedule),
			target(job),
		}
		if _, err := fmt.Fprintln(w, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return w.Flush()
}

func items(job model.Job) string {
	switch {
	case job.Fetch != nil:
		return strconv.Itoa(len(job.Fetch.URLs))
	case job.Exec != nil:
		return "1"
	default:
		// known once the paths are walked
		return "-"
	}
}

func schedule(s *model.Schedule) string {
	switch {
	case s == nil:
		return "-"
	case s.Cron != "":
		return "cron " + s.Cron
	default:
		return "every " + s.Every
	}
}

func target(job model.Job) string {
	switch {
	case job.Fetch != nil:
		return job.Fetch.Dir
	case job.Digest != nil:
		return job.Digest.Output
	case job.Exec != nil:
		return job.Exec.Path
	default:
		return ""
	}
}
