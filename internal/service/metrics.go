package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scanProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subtrack_scan_messages_processed_total",
		Help: "Messages fully processed by ingestion scans.",
	})
	scanNewCharges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subtrack_scan_new_charges_total",
		Help: "Charges committed to the ledger by ingestion scans.",
	})
	scanSkippedExisting = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subtrack_scan_skipped_existing_total",
		Help: "Messages skipped because a charge already existed for them.",
	})
	scanSkippedOther = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subtrack_scan_skipped_other_total",
		Help: "Messages skipped for errors, ignore rules or invariant violations.",
	})
)
