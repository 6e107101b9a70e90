// Package harness runs playback scenarios against the real session,
// scheduler, and reducer on a manual clock.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: pause_resume
//	description: "Pausing between batches holds the cursor"
//	token: test-token-001
//	speed: 50
//	recording:
//	  total_users: 3
//	  events:
//	    - { type: sim_started, run_id: "1" }
//	    - { type: user_event, user_number: 1, step: 1, persona: casual, converted: false }
//	    - { type: bandit_snapshot, user_number: 1, states: [] }
//	    - { type: sim_ended, run_id: "1", total_users: 1 }
//	steps:
//	  - advance: 0s
//	  - control: pause
//	  - advance: 1s
//	  - control: resume
//	  - drain: true
//	assertions:
//	  - type: final_status
//	    status: completed
//	  - type: batch_users
//	    users: [1]
//
// A scenario may instead name a recorded document with recording_file,
// resolved relative to the scenario file.
//
// # Steps
//
//   - advance: moves the manual clock forward by a duration
//   - control: pause, resume, or stop through the session
//   - speed: changes the playback multiplier
//   - drain: advances from timer to timer until the run is done
//
// # Assertion Types
//
//   - final_status: run status after the last step
//   - user_count: reducer user count
//   - conversions: number of converted user events applied
//   - batch_count: number of ticks that applied a user batch
//   - batch_users: user numbers of those batches, in order
//   - violations: out-of-order events dropped
//   - completed_at: clock offset of the final tick
//
// # Deterministic Testing
//
// Every scenario runs on its own testutil.ManualClock with a fixed playback
// token, so the trace is identical across runs and can be compared against
// a golden file (see RunWithGolden).
package harness
