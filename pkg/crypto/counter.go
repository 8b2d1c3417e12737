package crypto

// CtrDataLen is the byte length of the hash based counter state.
const CtrDataLen = 16

// InitCtrData returns a fresh random hash based counter state.
func InitCtrData() ([]byte, error) {
	return RandomBytes(CtrDataLen)
}

// NextCtrData advances the hash based counter by one step:
//
//	ctr_{n+1} = HMAC-SHA256(ctr_n, 0x00)[:16]
func NextCtrData(ctrData []byte) []byte {
	return HMACSHA256(ctrData, []byte{0x00})[:CtrDataLen]
}

// CtrDataHash computes the status blob counter digest:
// HMAC-SHA256(transportKey, ctrData) truncated to 16 bytes.
func CtrDataHash(transportKey, ctrData []byte) []byte {
	return HMACSHA256(transportKey, ctrData)[:CtrDataLen]
}
