/*
Package remedy provides the orchestration engine that turns a structured
code-issue report into a pull request of AI-proposed fixes.

A report is submitted to a [Scheduler], which validates it, stores a
PENDING [Job] in its [Registry] and returns the job id immediately. A
long-lived dispatcher admits pending jobs into a bounded pool of execution
units, highest priority first and FIFO among equal priorities.

Each execution unit performs one job in isolation: it clones the repository
into an exclusively owned workspace, runs the remediation [Pipeline] over
the report's issues in severity order, and, if at least one fix was
applied, commits, pushes and opens a pull request through the [GitClient]
boundary. Fix proposals come from the [InferenceClient] boundary; a
malformed model response only skips its issue, it never fails the job.

Two runners implement the execution unit. [WorkerRunner] performs the work
in-process and is also the payload of the `remedy worker` command.
[DockerRunner] spawns one container per job running that command, giving
every job a real filesystem and process boundary; the container, its
mounts and the workspace are released on every exit path.

Job state is inspectable at any time: statuses transition monotonically
(PENDING, RUNNING, IMPROVING, then one of COMPLETED, FAILED or CANCELLED,
with CANCELLING in between on cancellation requests), and every job carries
an ordered, append-only log that readers can poll with a cursor.
*/
package remedy
