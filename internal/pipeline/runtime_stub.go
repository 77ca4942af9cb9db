//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

func EncoderName() string {
	return "stdlib"
}

func newConverter() Converter {
	return stdlibConverter{}
}
