// Command monitor is a terminal dashboard over the sitepipe HTTP API:
// queue depths and health on top, projects and their recent runs below.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"sitepipe/internal/domain"
)

const refreshInterval = 2 * time.Second

type client struct {
	base string
	http *http.Client
}

func (c *client) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type dashboard struct {
	api      *client
	app      *tview.Application
	queues   *tview.Table
	projects *tview.Table
	runs     *tview.Table
	status   *tview.TextView

	selectedProject string
}

func main() {
	apiBase := flag.String("api", "http://127.0.0.1:8087", "base URL of the sitepipe API")
	flag.Parse()

	d := &dashboard{
		api: &client{base: *apiBase, http: &http.Client{Timeout: 5 * time.Second}},
		app: tview.NewApplication(),
	}
	d.build()

	go d.refreshLoop()

	if err := d.app.Run(); err != nil {
		panic(err)
	}
}

func (d *dashboard) build() {
	d.queues = tview.NewTable().SetBorders(false).SetFixed(1, 0)
	d.queues.SetBorder(true).SetTitle(" Queues ")

	d.projects = tview.NewTable().SetBorders(false).SetFixed(1, 0).SetSelectable(true, false)
	d.projects.SetBorder(true).SetTitle(" Projects ")
	d.projects.SetSelectedFunc(func(row, _ int) {
		if row < 1 {
			return
		}
		cell := d.projects.GetCell(row, 0)
		if cell != nil {
			d.selectedProject = cell.Text
		}
	})

	d.runs = tview.NewTable().SetBorders(false).SetFixed(1, 0)
	d.runs.SetBorder(true).SetTitle(" Recent runs ")

	d.status = tview.NewTextView().SetDynamicColors(true)
	d.status.SetText(" [::b]q[-:-:-] quit   [::b]enter[-:-:-] select project")

	bottom := tview.NewFlex().
		AddItem(d.projects, 0, 1, true).
		AddItem(d.runs, 0, 2, false)
	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.queues, 10, 0, false).
		AddItem(bottom, 0, 1, true).
		AddItem(d.status, 1, 0, false)

	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' || event.Key() == tcell.KeyEscape {
			d.app.Stop()
			return nil
		}
		return event
	})
	d.app.SetRoot(layout, true)
}

func (d *dashboard) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		d.refresh()
		<-ticker.C
	}
}

func (d *dashboard) refresh() {
	var queues []domain.QueueHealth
	queuesErr := d.api.getJSON("/queues", &queues)

	var projects []domain.Project
	projectsErr := d.api.getJSON("/projects", &projects)

	var runs []domain.AgentRun
	if d.selectedProject != "" {
		_ = d.api.getJSON("/projects/"+d.selectedProject+"/runs", &runs)
	}

	d.app.QueueUpdateDraw(func() {
		if queuesErr != nil || projectsErr != nil {
			d.status.SetText(fmt.Sprintf(" [red]api unreachable[-] queues=%v projects=%v", queuesErr, projectsErr))
		} else {
			d.status.SetText(" [::b]q[-:-:-] quit   [::b]enter[-:-:-] select project   refreshed " + time.Now().Format("15:04:05"))
		}
		d.renderQueues(queues)
		d.renderProjects(projects)
		d.renderRuns(runs)
	})
}

func (d *dashboard) renderQueues(queues []domain.QueueHealth) {
	d.queues.Clear()
	headers := []string{"QUEUE", "WAITING", "ACTIVE", "DELAYED", "COMPLETED", "FAILED", "STATE"}
	for col, h := range headers {
		d.queues.SetCell(0, col, headerCell(h))
	}
	for row, q := range queues {
		state := "healthy"
		color := tcell.ColorGreen
		if q.Paused {
			state = "paused"
			color = tcell.ColorYellow
		} else if !q.Healthy {
			state = "unhealthy"
			color = tcell.ColorRed
		}
		d.queues.SetCell(row+1, 0, tview.NewTableCell(q.Queue))
		d.queues.SetCell(row+1, 1, numCell(q.Waiting))
		d.queues.SetCell(row+1, 2, numCell(q.Active))
		d.queues.SetCell(row+1, 3, numCell(q.Delayed))
		d.queues.SetCell(row+1, 4, numCell(q.Completed))
		d.queues.SetCell(row+1, 5, numCell(q.Failed))
		d.queues.SetCell(row+1, 6, tview.NewTableCell(state).SetTextColor(color))
	}
}

func (d *dashboard) renderProjects(projects []domain.Project) {
	d.projects.Clear()
	headers := []string{"ID", "NAME", "STATUS", "UPDATED"}
	for col, h := range headers {
		d.projects.SetCell(0, col, headerCell(h))
	}
	for row, p := range projects {
		color := tcell.ColorWhite
		switch p.Status {
		case domain.ProjectStatusError:
			color = tcell.ColorRed
		case domain.ProjectStatusCompleted:
			color = tcell.ColorGreen
		}
		d.projects.SetCell(row+1, 0, tview.NewTableCell(p.ID))
		d.projects.SetCell(row+1, 1, tview.NewTableCell(p.Name))
		d.projects.SetCell(row+1, 2, tview.NewTableCell(string(p.Status)).SetTextColor(color))
		d.projects.SetCell(row+1, 3, tview.NewTableCell(p.UpdatedAt.Local().Format("15:04:05")))
	}
}

func (d *dashboard) renderRuns(runs []domain.AgentRun) {
	d.runs.Clear()
	headers := []string{"STAGE", "STATUS", "RETRY", "TOKENS", "COST", "DURATION", "ERROR"}
	for col, h := range headers {
		d.runs.SetCell(0, col, headerCell(h))
	}
	for row, r := range runs {
		color := tcell.ColorWhite
		switch r.Status {
		case domain.RunStatusFailed:
			color = tcell.ColorRed
		case domain.RunStatusCompleted:
			color = tcell.ColorGreen
		case domain.RunStatusRunning:
			color = tcell.ColorYellow
		}
		errMsg := r.ErrorMessage
		if len(errMsg) > 48 {
			errMsg = errMsg[:48] + "…"
		}
		d.runs.SetCell(row+1, 0, tview.NewTableCell(string(r.Stage)))
		d.runs.SetCell(row+1, 1, tview.NewTableCell(string(r.Status)).SetTextColor(color))
		d.runs.SetCell(row+1, 2, numCell(r.RetryCount))
		d.runs.SetCell(row+1, 3, numCell(r.TokensUsed))
		d.runs.SetCell(row+1, 4, tview.NewTableCell(fmt.Sprintf("$%.4f", r.CostEstimate)))
		d.runs.SetCell(row+1, 5, tview.NewTableCell(fmt.Sprintf("%dms", r.DurationMs)))
		d.runs.SetCell(row+1, 6, tview.NewTableCell(errMsg))
	}
}

func headerCell(text string) *tview.TableCell {
	return tview.NewTableCell(text).
		SetTextColor(tcell.ColorAqua).
		SetAttributes(tcell.AttrBold).
		SetSelectable(false)
}

func numCell(v int) *tview.TableCell {
	return tview.NewTableCell(fmt.Sprintf("%d", v)).SetAlign(tview.AlignRight)
}
