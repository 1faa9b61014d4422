/*
Package neuprint holds the records, property combinators, errors and logging shared by
every part of the connectome mutation engine.

A neuPrint dataset is a property graph of Segment nodes (reconstructed neuron fragments),
SynapseSet nodes grouping one segment's synapses toward one partner segment, Synapse nodes,
ConnectsTo relations between segments carrying weights, and a single Meta node.  The records
here are the typed view of those nodes and relations; the combinators (Combine, Subtract,
PruneRois) keep the derived pre/post counts and per-ROI tallies consistent when segments are
merged or split.
*/
package neuprint
