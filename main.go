package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alvarorichard/hlsfetch/internal/downloader"
	"github.com/alvarorichard/hlsfetch/internal/fetch"
	hlsprogress "github.com/alvarorichard/hlsfetch/internal/progress"
	"github.com/alvarorichard/hlsfetch/internal/util"
	"github.com/alvarorichard/hlsfetch/internal/version"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

func main() {
	manifestFlag := flag.String("m", "", "manifest URL or path of the episode playlist")
	keyFlag := flag.String("key", "", "key URL (defaults to the key declared in the manifest)")
	outFlag := flag.String("o", "", "working directory for segments and resume state")
	threadsFlag := flag.Int("threads", 100, "concurrent segment downloads")
	rateFlag := flag.Float64("rate", 0, "max requests per second to the origin (0 = unlimited)")
	burstFlag := flag.Int("burst", 0, "rate limiter burst size (defaults to -threads)")
	retriesFlag := flag.Int("retries", 3, "attempts per segment before giving up")
	refererFlag := flag.String("referer", "", "Referer header to send with every request")
	debugFlag := flag.Bool("debug", false, "enable debug mode")
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag || version.HasVersionArg() {
		version.ShowVersion()
		return
	}

	util.SetDebugMode(*debugFlag)
	util.InitLogger()

	if *manifestFlag == "" || *outFlag == "" {
		flag.Usage()
		os.Exit(2)
	}

	manifestSrc := *manifestFlag
	if data, err := os.ReadFile(manifestSrc); err == nil {
		manifestSrc = string(data)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	headers := map[string]string{}
	if *refererFlag != "" {
		headers["Referer"] = *refererFlag
	}

	retry := fetch.DefaultPolicy()
	retry.MaxAttempts = *retriesFlag

	opts := downloader.Options{
		Concurrency: *threadsFlag,
		RateLimit:   *rateFlag,
		Burst:       *burstFlag,
		Retry:       retry,
		Headers:     headers,
	}

	result, err := runWithProgress(ctx, manifestSrc, *keyFlag, *outFlag, opts)
	if err != nil {
		var partial *downloader.PartialDownloadError
		if errors.As(err, &partial) {
			util.Errorf("download incomplete, failed segments: %v", partial.Failed)
			util.Info("run the same command again to resume the failed segments")
			os.Exit(1)
		}
		util.Errorf("download failed: %v", err)
		os.Exit(1)
	}

	util.Infof("downloaded %d segments to %s", len(result.SegmentPaths), *outFlag)
}

// runWithProgress drives the download under a bubbletea progress display.
func runWithProgress(ctx context.Context, manifestSrc, keySrc, workingDir string, opts downloader.Options) (*downloader.Result, error) {
	m := newModel()
	p := tea.NewProgram(m)

	opts.OnProgress = func(s hlsprogress.Sample) {
		p.Send(sampleMsg(s))
	}

	var (
		result *downloader.Result
		runErr error
		wg     sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		result, runErr = downloader.DownloadEpisode(ctx, manifestSrc, keySrc, workingDir, opts)
		p.Send(doneMsg{})
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return nil, errors.Wrap(err, "progress display")
	}
	wg.Wait()
	return result, runErr
}

type sampleMsg hlsprogress.Sample

type doneMsg struct{}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	bar    progress.Model
	sample hlsprogress.Sample
	done   bool
}

func newModel() *model {
	return &model{
		bar: progress.New(progress.WithDefaultGradient()),
	}
}

func (m *model) Init() tea.Cmd {
	return tickCmd()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.done = true
			return m, tea.Quit
		}
	case sampleMsg:
		m.sample = hlsprogress.Sample(msg)
		var cmd tea.Cmd
		if m.sample.SegmentsTotal > 0 {
			finished := m.sample.SegmentsDone + m.sample.SegmentsFailed
			cmd = m.bar.SetPercent(float64(finished) / float64(m.sample.SegmentsTotal))
		}
		return m, cmd
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case tickMsg:
		if m.done {
			return m, tea.Quit
		}
		return m, tickCmd()
	case progress.FrameMsg:
		newBar, cmd := m.bar.Update(msg)
		m.bar = newBar.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *model) View() string {
	s := m.sample
	var status strings.Builder
	fmt.Fprintf(&status, "%d/%d segments", s.SegmentsDone, s.SegmentsTotal)
	if s.SegmentsFailed > 0 {
		fmt.Fprintf(&status, " (%d failed)", s.SegmentsFailed)
	}
	if s.BytesDownloaded > 0 {
		fmt.Fprintf(&status, " • %s", humanize.Bytes(uint64(s.BytesDownloaded)))
	}
	if s.Rate > 0 {
		fmt.Fprintf(&status, " • %s/s", humanize.Bytes(uint64(s.Rate)))
	}
	return fmt.Sprintf("%s\n%s\n\nPress Ctrl+C to cancel\n", m.bar.View(), status.String())
}
