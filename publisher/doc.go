// Package publisher bridges change batches to external messaging systems.
//
// The trigger engine hands each batch to an Executor; this package
// provides executors that transform every change into a sink-specific
// payload and publish it, keyed by the row's primary-key values so changes
// to the same row land on the same partition or subject.
//
// Three abstractions compose a delivery pipeline:
//
//   - Sink: the destination (Kafka, NATS JetStream); structured-log
//     delivery is the LogExecutor, which needs no sink
//   - Transformer: renders a change event to bytes (Debezium-style JSON,
//     compact msgpack)
//   - Filter: glob-based table selection
//
// Sinks and transformers self-register through factory maps, so a host
// builds a pipeline purely from configuration:
//
//	sink, _ := publisher.NewSink(cfg.Config.Sink)
//	tr, _ := publisher.NewTransformer(cfg.Config.Sink)
//	exec, _ := publisher.NewSinkExecutor(publisher.SinkExecutorConfig{
//		Table:       "dbo.Orders",
//		PKColumns:   []string{"Id"},
//		TopicPrefix: "trigon.cdc",
//		Sink:        sink,
//		Transformer: tr,
//	})
//
// Delivery is at-least-once: a failed publish fails the whole batch, the
// engine leaves the row leases to expire, and a peer republishes.
package publisher
