package afdd

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/state"
)

// Exporter reads the shared areas on every scrape. Like the sessions it
// attaches fresh each time, so a reconciled area never leaves it serving a
// stale mapping.
type Exporter struct {
	layout paths.Layout

	hostQueuedFiles *prometheus.Desc
	hostQueuedBytes *prometheus.Desc
	hostSentFiles   *prometheus.Desc
	hostSentBytes   *prometheus.Desc
	hostActive      *prometheus.Desc
	hostErrors      *prometheus.Desc
	hostRate        *prometheus.Desc
	dirFiles        *prometheus.Desc
	dirBytes        *prometheus.Desc
	dirRecvFiles    *prometheus.Desc
	dirRecvBytes    *prometheus.Desc
	jobsInQueue     *prometheus.Desc
	procUp          *prometheus.Desc
}

// NewExporter builds the scrape bridge for one work directory.
func NewExporter(l paths.Layout) *Exporter {
	hostLabel := []string{"host"}
	dirLabel := []string{"dir"}
	return &Exporter{
		layout: l,
		hostQueuedFiles: prometheus.NewDesc("afd_host_files_queued",
			"Files waiting in outgoing batches for this host.", hostLabel, nil),
		hostQueuedBytes: prometheus.NewDesc("afd_host_bytes_queued",
			"Bytes waiting in outgoing batches for this host.", hostLabel, nil),
		hostSentFiles: prometheus.NewDesc("afd_host_files_sent_total",
			"Files delivered to this host.", hostLabel, nil),
		hostSentBytes: prometheus.NewDesc("afd_host_bytes_sent_total",
			"Wire bytes delivered to this host.", hostLabel, nil),
		hostActive: prometheus.NewDesc("afd_host_active_transfers",
			"Transfer workers currently serving this host.", hostLabel, nil),
		hostErrors: prometheus.NewDesc("afd_host_errors_total",
			"Failed delivery attempts against this host.", hostLabel, nil),
		hostRate: prometheus.NewDesc("afd_host_transfer_rate_bytes",
			"Smoothed outbound byte rate of this host.", hostLabel, nil),
		dirFiles: prometheus.NewDesc("afd_dir_files",
			"Files currently visible in this source directory.", dirLabel, nil),
		dirBytes: prometheus.NewDesc("afd_dir_bytes",
			"Bytes currently visible in this source directory.", dirLabel, nil),
		dirRecvFiles: prometheus.NewDesc("afd_dir_files_received_total",
			"Files picked up from this source directory.", dirLabel, nil),
		dirRecvBytes: prometheus.NewDesc("afd_dir_bytes_received_total",
			"Bytes picked up from this source directory.", dirLabel, nil),
		jobsInQueue: prometheus.NewDesc("afd_jobs_in_queue",
			"Job messages waiting for a transfer slot.", nil, nil),
		procUp: prometheus.NewDesc("afd_proc_up",
			"Whether this supervised process currently runs.", []string{"proc"}, nil),
	}
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.hostQueuedFiles
	ch <- e.hostQueuedBytes
	ch <- e.hostSentFiles
	ch <- e.hostSentBytes
	ch <- e.hostActive
	ch <- e.hostErrors
	ch <- e.hostRate
	ch <- e.dirFiles
	ch <- e.dirBytes
	ch <- e.dirRecvFiles
	ch <- e.dirRecvBytes
	ch <- e.jobsInQueue
	ch <- e.procUp
}

// Collect reads whatever areas exist. Missing areas simply contribute no
// samples; early in a start that is the normal state.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	if fsa, err := state.AttachFSA(e.layout.FSAFile()); err == nil {
		for i := 0; i < fsa.Count(); i++ {
			h := fsa.Host(i)
			alias := h.Alias()
			ch <- prometheus.MustNewConstMetric(e.hostQueuedFiles,
				prometheus.GaugeValue, float64(h.FilesQueued()), alias)
			ch <- prometheus.MustNewConstMetric(e.hostQueuedBytes,
				prometheus.GaugeValue, float64(h.BytesQueued()), alias)
			ch <- prometheus.MustNewConstMetric(e.hostSentFiles,
				prometheus.CounterValue, float64(h.FilesSent()), alias)
			ch <- prometheus.MustNewConstMetric(e.hostSentBytes,
				prometheus.CounterValue, float64(h.BytesSent()), alias)
			ch <- prometheus.MustNewConstMetric(e.hostActive,
				prometheus.GaugeValue, float64(h.ActiveTransfers()), alias)
			ch <- prometheus.MustNewConstMetric(e.hostErrors,
				prometheus.CounterValue, float64(h.TotalErrors()), alias)
			ch <- prometheus.MustNewConstMetric(e.hostRate,
				prometheus.GaugeValue, h.Rate(), alias)
		}
		fsa.Close()
	}

	if fra, err := state.AttachFRA(e.layout.FRAFile()); err == nil {
		for i := 0; i < fra.Count(); i++ {
			d := fra.Dir(i)
			alias := d.Alias()
			ch <- prometheus.MustNewConstMetric(e.dirFiles,
				prometheus.GaugeValue, float64(d.FilesInDir()), alias)
			ch <- prometheus.MustNewConstMetric(e.dirBytes,
				prometheus.GaugeValue, float64(d.BytesInDir()), alias)
			ch <- prometheus.MustNewConstMetric(e.dirRecvFiles,
				prometheus.CounterValue, float64(d.FilesReceived()), alias)
			ch <- prometheus.MustNewConstMetric(e.dirRecvBytes,
				prometheus.CounterValue, float64(d.BytesReceived()), alias)
		}
		fra.Close()
	}

	if st, err := state.AttachStatus(e.layout.AfdStatusFile()); err == nil {
		ch <- prometheus.MustNewConstMetric(e.jobsInQueue,
			prometheus.GaugeValue, float64(st.JobsInQueue()))
		for p := state.Proc(0); p < state.ProcCount; p++ {
			up := 0.0
			if st.Proc(p).Pid() > 0 {
				up = 1.0
			}
			ch <- prometheus.MustNewConstMetric(e.procUp,
				prometheus.GaugeValue, up, p.String())
		}
		st.Close()
	}
}

// serveMetrics exposes the exporter on its own registry until ctx ends.
func serveMetrics(ctx context.Context, l paths.Layout, bind string, port int, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewExporter(l))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              net.JoinHostPort(bind, strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info("metrics listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
