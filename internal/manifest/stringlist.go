package manifest

import "encoding/json"

// StringList is a manifest field that appears as an array of strings,
// a single string, or a boolean in the wild (bundledDependencies does
// all three). Non-list forms collapse to nil or a one-element list.
type StringList []string

// UnmarshalJSON accepts list, string, and boolean forms.
func (sl *StringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*sl = list

		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*sl = StringList{single}

		return nil
	}

	*sl = nil

	return nil
}
