package config

import "sort"

// ShardPlan assigns the configured symbol set across a fixed number of
// shards, each shard owning a disjoint symbol subset and the full channel
// set. It is the Shard Supervisor's partitioning contract: one
// gorilla/websocket connection per shard, subscribed to that shard's
// symbols across bookTicker/aggTrade/depth (and markPrice/forceOrder when
// enabled).
type ShardPlan struct {
	Shards []ShardAssignment
}

// ShardAssignment is a single shard's symbol ownership.
type ShardAssignment struct {
	Index   int
	Symbols []string
}

// BuildShardPlan partitions symbols into count shards using round-robin
// assignment, capped at symbolsPerShard per shard. count grows to
// accommodate the symbol set when the configured count would otherwise
// exceed symbolsPerShard for any shard.
func BuildShardPlan(symbols []string, count, symbolsPerShard int) ShardPlan {
	if count <= 0 {
		count = 1
	}
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)

	if symbolsPerShard > 0 {
		minShards := (len(sorted) + symbolsPerShard - 1) / symbolsPerShard
		if minShards > count {
			count = minShards
		}
	}

	assignments := make([]ShardAssignment, count)
	for i := range assignments {
		assignments[i] = ShardAssignment{Index: i, Symbols: []string{}}
	}
	for i, sym := range sorted {
		shard := i % count
		assignments[shard].Symbols = append(assignments[shard].Symbols, sym)
	}

	return ShardPlan{Shards: assignments}
}

// SymbolCount returns the total number of symbols covered by the plan.
func (p ShardPlan) SymbolCount() int {
	n := 0
	for _, s := range p.Shards {
		n += len(s.Symbols)
	}
	return n
}
