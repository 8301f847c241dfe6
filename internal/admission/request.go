package admission

// StepRequest is one submitted (block_number, price_sats, psbt_data) triple.
type StepRequest struct {
	BlockNumber int64
	PriceSats   int64
	PsbtData    string // base64
}

// Request is a candidate listing submission, prior to any validation.
type Request struct {
	AssetName      string
	AssetQty       uint64
	AssetDivisible bool
	Txid           string
	Vout           uint32
	StartBlock     int64
	EndBlock       int64
	BlocksAfterEnd int64
	StartPriceSats int64
	EndPriceSats   int64
	PriceDecrement int64
	Steps          []StepRequest
}
