package api

import (
	"bytes"
	"strconv"

	"github.com/quantfeed/klined/internal/domain"
)

// SerializeKlines renders bars in the exchange's wire shape: a JSON array of
// 12-element arrays, ascending open_time. Prices and volumes are decimal
// strings, times and trade counts are numbers, the last field is the literal
// string "0".
func SerializeKlines(bars []domain.Bar) []byte {
	var buf bytes.Buffer
	buf.Grow(64 * (len(bars) + 1))
	buf.WriteByte('[')
	for i, b := range bars {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('[')
		writeInt(&buf, b.OpenTime)
		writeFloatString(&buf, b.Open)
		writeFloatString(&buf, b.High)
		writeFloatString(&buf, b.Low)
		writeFloatString(&buf, b.Close)
		writeFloatString(&buf, b.Volume)
		buf.WriteByte(',')
		writeInt(&buf, b.CloseTime)
		writeFloatString(&buf, b.QuoteVolume)
		buf.WriteByte(',')
		writeInt(&buf, b.Trades)
		writeFloatString(&buf, b.TakerBuyBase)
		writeFloatString(&buf, b.TakerBuyQuote)
		buf.WriteString(`,"0"]`)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

func writeInt(buf *bytes.Buffer, v int64) {
	buf.WriteString(strconv.FormatInt(v, 10))
}

// writeFloatString writes ,"<v>" using the shortest decimal form that parses
// back to the same float64.
func writeFloatString(buf *bytes.Buffer, v float64) {
	buf.WriteString(`,"`)
	buf.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	buf.WriteByte('"')
}
