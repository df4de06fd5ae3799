package scraper

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	// ErrSelectorNotFound 表示 CSS 选择器在页面中没有匹配到任何元素。
	ErrSelectorNotFound = errors.New("selector matched no element")
	// ErrUnparseablePrice 表示匹配到的元素文本中提取不出价格数字。
	ErrUnparseablePrice = errors.New("no parseable price in element text")
)

// 价格模式：带千位逗号的数字，可带小数部分。
var pricePattern = regexp.MustCompile(`[\d,]+\.?\d*`)

// ExtractPrice 从 HTML 中按 CSS 选择器提取价格。
//
// 取选择器匹配到的第一个元素的文本，找出其中第一段数字
// （允许千位逗号），去掉逗号后解析为 float64。货币符号与
// 其他文字会被忽略。
//
// 参数:
//
//	html: 页面 HTML 内容
//	selector: CSS 选择器（如 ".price" 或 "#price-tag"）
//
// 返回值:
//
//	float64: 提取出的价格
//	error: 选择器无匹配或文本无法解析时返回对应错误
func ExtractPrice(html, selector string) (float64, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, fmt.Errorf("parse html: %w", err)
	}

	sel := doc.Find(selector)
	if sel.Length() == 0 {
		return 0, ErrSelectorNotFound
	}

	text := strings.TrimSpace(sel.First().Text())
	match := pricePattern.FindString(text)
	if match == "" {
		return 0, fmt.Errorf("%w: %q", ErrUnparseablePrice, text)
	}

	cleaned := strings.ReplaceAll(match, ",", "")
	cleaned = strings.Trim(cleaned, ".")
	price, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparseablePrice, text)
	}
	return price, nil
}
