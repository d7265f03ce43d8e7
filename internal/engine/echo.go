package engine

// EchoEngine returns the input unchanged as its single output. It stands in
// for a real runtime on nodes that only relay work or in local testing.
type EchoEngine struct{}

func (EchoEngine) Load(modelBytes []byte) (Session, error) {
	return echoSession{}, nil
}

type echoSession struct{}

func (echoSession) Run(input Tensor) ([][]byte, error) {
	out := make([]byte, len(input.Data))
	copy(out, input.Data)
	return [][]byte{out}, nil
}

func (echoSession) Close() error { return nil }
