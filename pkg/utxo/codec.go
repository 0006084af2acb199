package utxo

// EncodeEntry and DecodeEntry expose the persistent tier's entry wire
// format for callers outside this package that need to serialize
// entries themselves, such as pkg/chain's reorg undo log.
func EncodeEntry(e *Entry) []byte { return encodeEntry(e) }

func DecodeEntry(b []byte) (*Entry, error) { return decodeEntry(b) }
