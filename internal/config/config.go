// Package config ports the teacher's reflect-driven struct defaulting and
// validation (httptines.go's setDefaultValues/validate) so every component
// configures itself from a plain tagged struct instead of a builder.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// SetDefaults walks obj's fields and fills zero-valued ones from their
// `default:"..."` tag. obj must be a pointer to a struct.
func SetDefaults(obj interface{}) {
	tof := reflect.TypeOf(obj).Elem()
	vof := reflect.ValueOf(obj).Elem()

	for i := 0; i < vof.NumField(); i++ {
		vf := vof.Field(i)
		if !vf.CanSet() {
			continue
		}

		v := tof.Field(i).Tag.Get("default")
		if v == "" || !vf.IsZero() {
			continue
		}

		switch {
		case vf.Type() == durationType:
			if d, err := time.ParseDuration(v); err == nil {
				vf.SetInt(int64(d))
			}
			continue
		}

		switch vf.Kind() {
		case reflect.String:
			vf.SetString(v)
		case reflect.Int, reflect.Int64:
			if intv, err := strconv.ParseInt(v, 10, 64); err == nil {
				vf.SetInt(intv)
			}
		case reflect.Float64:
			if fv, err := strconv.ParseFloat(v, 64); err == nil {
				vf.SetFloat(fv)
			}
		case reflect.Bool:
			if bv, err := strconv.ParseBool(v); err == nil {
				vf.SetBool(bv)
			}
		case reflect.Slice:
			if vf.Type().Elem().Kind() == reflect.String {
				values := strings.Split(v, ",")
				vf.Set(reflect.ValueOf(values))
			}
		}
	}
}

// Validate exits the process with a message on any zero-valued field tagged
// `validate:"required"`, mirroring the teacher's helpers.go.
func Validate(obj interface{}) {
	if msg, ok := Check(obj); !ok {
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(1)
	}
}

// Check is the non-exiting counterpart of Validate, used by callers (like
// tests) that want to handle the failure themselves.
func Check(obj interface{}) (string, bool) {
	tof := reflect.TypeOf(obj).Elem()
	vof := reflect.ValueOf(obj).Elem()

	for i := 0; i < vof.NumField(); i++ {
		tf := tof.Field(i)
		vf := vof.Field(i)

		v := tf.Tag.Get("validate")
		if v == "" {
			continue
		}

		if strings.Contains(v, "required") && vf.IsZero() {
			return fmt.Sprintf("field %q is required", tf.Name), false
		}
	}
	return "", true
}
