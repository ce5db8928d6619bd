/*
Package dllbisect finds the minimal set of files from a known-good installation which repairs a broken one.

Jobs can most easily be created by passing in a job config to [GetJobFromConfig], but can also be created manually by populating a [Job] struct.
For a manually created job to work, at least the following fields have to be populated:
  - DonorRoot
  - Target, usually created with [NewTargetHandle]
  - Probe

Before a job can run, the pristine state of the target has to be saved with [CreateSnapshot].
Every trial resets the target to this snapshot and copies a subset of the donor files on top of it.

After a job struct was acquired, the job can be started using [Job.Run], which blocks until the bisection terminated.
The returned [Report] holds every trial together with the minimal set of donor files and the terminal [Status].

Lower level access is possible through an [Engine], which bisects any [CandidateSet] using any [Materializer] and [Probe].

If the job's probe is a [ManualProbe], every trial is handed out on the probe's Trials channel as a [PendingTrial].
The trial has to be rated using the [PendingTrial.Pass] and [PendingTrial.Fail] methods before the bisection continues.
*/
package dllbisect
