// Package audit records every RBAC mutation as an immutable entry and serves
// the log back to operators.
//
// # Writing
//
// Entries are written through Recorder.RecordTx on the same transaction as the
// mutation they describe, so a failed audit write rolls the mutation back:
//
//	err := store.InTx(ctx, func(tx *rbac.Tx) error {
//		// mutate ...
//		_, err := auditLog.RecordTx(ctx, tx.Querier(), audit.Record{
//			Actor:      actor,
//			Action:     audit.ActionAssignRole,
//			TargetType: audit.TargetUserRole,
//			TargetID:   assignment.ID.String(),
//			Detail:     audit.Detail{After: assignment},
//		})
//		return err
//	})
//
// The category is derived from the action. Deletes and revokes default to
// warning severity and everything else to info.
//
// # Reading
//
// Query pages entries newest first with at most MaxPageSize per page. Export
// returns up to MaxExportRows entries and Encode renders them as JSON, NDJSON
// or CSV.
package audit
