// Package decoder keeps a streaming external decoder process alive.
//
// A Decoder is an io.WriteCloser: bytes written to it are piped into the
// process's stdin and whatever the process prints on stdout is copied to the
// output writer. A process that accepts input but stays silent for
// LivenessTimeout, or that exits on its own, counts as a death and is
// respawned after RespawnDelay. After more than MaxDeaths deaths the Decoder
// degrades to a plain pass-through and never spawns again.
package decoder
