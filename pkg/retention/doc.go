// Package retention removes aged telemetry.
//
// A Policy names a store, an optional severity/action/category scope and a
// maximum age in days. Policies live in a PolicyStore, optionally backed by a
// YAML file:
//
//	policies:
//	  - name: debug-activity
//	    applies_to:
//	      target: activity_records
//	      severities: [DEBUG]
//	    max_age_days: 7
//	    enabled: true
//
// Engine.ExecuteCleanup walks the enabled policies. A dry run reports how many
// records each policy matches; a live run deletes them in batches, archiving
// each batch first through an ArchiveSink when the policy asks for it. If the
// archive fails nothing in that batch is deleted.
//
// Engine.EmergencyPurge bypasses policies and deletes everything older than a
// cutoff in all three stores. It requires a super admin and the exact
// ConfirmPurgePhrase, and is audited with SECURITY_EVENT system events.
package retention
