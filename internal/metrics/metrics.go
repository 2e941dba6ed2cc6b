package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TensorsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ak42_tensors_written_total",
		Help: "Number of weight tensors serialized, by checkpoint group",
	}, []string{"group"})

	BytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ak42_bytes_written_total",
		Help: "Bytes written to output files",
	}, []string{"file"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ak42_stage_duration_seconds",
		Help:    "Duration of conversion stages",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"stage"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ak42_validation_errors_total",
		Help: "Conversions aborted, by failure kind",
	}, []string{"kind"})

	VocabularySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ak42_vocabulary_entries",
		Help: "Entries in the most recently written tokenizer",
	})

	MaxTokenLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ak42_max_token_bytes",
		Help: "Longest encoded tokenizer entry in bytes",
	})

	SharedOutputWeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ak42_shared_output_weight",
		Help: "1 if the last checkpoint omitted the output head as shared with the embedding",
	})
)

func RecordTensor(group string) {
	TensorsWritten.WithLabelValues(group).Inc()
}

func RecordBytes(file string, bytes int64) {
	BytesWritten.WithLabelValues(file).Add(float64(bytes))
}

func RecordStage(stage string, duration time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordValidationError(kind string) {
	ValidationErrors.WithLabelValues(kind).Inc()
}

func RecordVocabulary(entries, maxLen int) {
	VocabularySize.Set(float64(entries))
	MaxTokenLength.Set(float64(maxLen))
}

func RecordSharedOutput(shared bool) {
	if shared {
		SharedOutputWeight.Set(1)
		return
	}
	SharedOutputWeight.Set(0)
}

// WriteFile dumps the default registry in text exposition format.
func WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
