// Package order implements price-triggered conditional orders. An order is
// created pending, becomes active once its custody address is funded, and is
// evaluated by a pair-batched price poller; a satisfied trigger hands a
// synthetic swap intent to the execution pipeline, whose terminal result
// settles the order as executed or failed. All transitions apply
// compare-and-transition so that funding, cancellation and poller evaluation
// race safely.
package order
