package turn

import "strconv"

// StepID identifies one streaming turn. Allocated by the stream journal,
// strictly increasing per data dir, never reused. Zero means "unset".
type StepID int64

func (id StepID) Valid() bool { return id > 0 }

func (id StepID) String() string { return strconv.FormatInt(int64(id), 10) }

// BatchID identifies one tool-call batch. Allocated by the tool journal.
// Zero means "unset".
type BatchID int64

func (id BatchID) Valid() bool { return id > 0 }

func (id BatchID) String() string { return strconv.FormatInt(int64(id), 10) }
