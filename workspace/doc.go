// Package workspace provides run-directory bookkeeping for execution
// artifacts.
//
// The workspace package persists what an execution produced - the source
// text, rendered figures, and data files - under timestamped run
// directories. It is a collaborator of the sandbox, not part of it: the
// sandbox core has no filesystem access, and the tool layer hands results
// over only after they have been assembled.
package workspace
