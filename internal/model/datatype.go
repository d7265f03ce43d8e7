package model

// DataType describes the element type of an inference input or output.
type DataType byte

const (
	DataTypeUnknown DataType = 0
	DataTypeByte    DataType = 1
	DataTypeInt     DataType = 2
	DataTypeLong    DataType = 3
	DataTypeFloat   DataType = 4
	DataTypeDouble  DataType = 5
	DataTypeChar    DataType = 6
)

// Size returns the element width in bytes. Unknown types count as one byte.
func (d DataType) Size() int {
	switch d {
	case DataTypeInt, DataTypeFloat:
		return 4
	case DataTypeLong, DataTypeDouble:
		return 8
	case DataTypeChar:
		return 2
	default:
		return 1
	}
}

// Valid reports whether d is one of the known wire values.
func (d DataType) Valid() bool {
	return d <= DataTypeChar
}

func (d DataType) String() string {
	switch d {
	case DataTypeByte:
		return "byte"
	case DataTypeInt:
		return "int"
	case DataTypeLong:
		return "long"
	case DataTypeFloat:
		return "float"
	case DataTypeDouble:
		return "double"
	case DataTypeChar:
		return "char"
	default:
		return "unknown"
	}
}
