/*
Package governance tallies system-variable votes carried by stabilized units
and commits the winners.

Witnesses vote by embedding system_vote messages in their units. A vote only
counts once the unit carrying it is stable, at the unit's final main-chain
index. When a majority of the effective witness set backs the same value for
a subject, the value is committed and activates at the next index; the
reserved op_list subject additionally rotates the witness set itself.

The tally runs inside the stabilization transaction, one MCI at a time, and
keeps a counted-up-to watermark in the store so an MCI can never be counted
twice.
*/
package governance
