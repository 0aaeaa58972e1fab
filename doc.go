// Package vecsafe provides transactional consistency and recovery for
// a collection-oriented vector store.
//
// A data root holds one directory of engine files per collection plus
// a SQLite catalog of collection metadata. vecsafe keeps the two in
// agreement: mutations run as checkpoint / execute / verify /
// commit-or-rollback sequences, a consistency checker reconciles
// catalog entries against directories, orphaned directories can be
// readopted or quarantined, and checkpoint archives provide restore
// points with retention-based pruning.
//
// # Quick Start
//
//	ctx := context.Background()
//	m, err := vecsafe.Open(ctx, config.Default("./data"))
//	if err != nil {
//	    panic(err)
//	}
//	defer m.Close()
//
//	outcome, err := m.CreateCollection(ctx, &catalog.CollectionRecord{
//	    ID:          "docs",
//	    DisplayName: "documents",
//	    Embedding: catalog.EmbeddingDescriptor{
//	        Provider:  catalog.ProviderOpenAI,
//	        ModelName: "text-embedding-3-small",
//	        Dimension: 1536,
//	    },
//	})
//
//	report, _ := m.Check(ctx, true)
//	if !report.Consistent() {
//	    plan, _ := m.PlanRecovery(ctx)
//	    m.ExecuteRecovery(ctx, plan)
//	}
//
// # Durability Model
//
// Deleting or renaming a collection takes a checkpoint archive first.
// When post-operation verification fails, the checkpoint is restored;
// if that restore fails too, the collection is halted and rejects
// further mutations until an operator restores it and calls ClearHalt.
// Checkpoints outlive their operation and are pruned by the retention
// policy (keep the N newest plus everything younger than the max age).
//
// Consumers track collection changes through the event queue:
//
//	ch, cancel := m.Events().Subscribe(64)
//	defer cancel()
//	for ev := range ch {
//	    sync(ev.Kind, ev.CollectionID)
//	}
package vecsafe
